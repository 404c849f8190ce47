package activity

import "encoding/json"

// Entry is a single record in the activity feed: something the suite
// did or observed, suitable for a chronological history view.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"` // event_added, event_resolved, scan_started, scan_finished, finding, quarantine, restore, delete, definitions_update, revert
	Category  string `json:"category,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	RefID     string `json:"ref_id,omitempty"` // ledger event, scan job, or quarantine item id
}

// Stats holds aggregate counts over the activity log.
type Stats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}

// EntryJSON renders an entry for streaming consumers.
func EntryJSON(e Entry) []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}
