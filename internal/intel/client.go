// Package intel verifies suspicious files against an external
// hash-reputation service. Lookups are rate limited to respect the
// service's small request quota and cached by hash so identical content
// is never queried twice.
package intel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Verdict classifies a hash lookup.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictNotFound   Verdict = "not_found"
	VerdictError      Verdict = "error"
)

// maliciousThreshold is the engine-vote count at which a hash is
// classified Malicious rather than merely Suspicious.
const maliciousThreshold = 5

// Report is the outcome of one hash lookup.
type Report struct {
	Hash           string
	Verdict        Verdict
	MaliciousVotes int
	TotalEngines   int
	ThreatName     string
	Err            string
}

// Quota describes request-quota usage on the intelligence service.
type Quota struct {
	Used    int
	Allowed int
}

// Client queries the intelligence service. A single-slot rate limiter
// serializes requests and enforces a minimum inter-request interval.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	slotMu      sync.Mutex
	minInterval time.Duration
	lastRequest time.Time

	cacheMu  sync.Mutex
	cache    map[string]Report
	cacheMax int

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
	CacheMax    int
	Timeout     time.Duration
}

// NewClient creates an intelligence client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 15 * time.Second
	}
	if opts.CacheMax <= 0 {
		opts.CacheMax = 512
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		logger:      logger,
		minInterval: opts.MinInterval,
		cache:       make(map[string]Report),
		cacheMax:    opts.CacheMax,
		sleep:       sleepCtx,
	}
}

// HashFile computes the lowercase hex SHA-256 of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the reputation of a SHA-256 hash. Network failures
// yield a VerdictError report, never an error the caller must handle
// separately; pattern-based scan results stay valid regardless.
func (c *Client) Lookup(ctx context.Context, hash string) Report {
	hash = strings.ToLower(hash)

	c.cacheMu.Lock()
	if cached, ok := c.cache[hash]; ok {
		c.cacheMu.Unlock()
		return cached
	}
	c.cacheMu.Unlock()

	if err := c.acquireSlot(ctx); err != nil {
		return Report{Hash: hash, Verdict: VerdictError, Err: err.Error()}
	}

	report := c.query(ctx, hash)
	if report.Verdict != VerdictError {
		c.cacheResult(hash, report)
	}
	return report
}

// acquireSlot blocks until the minimum inter-request interval has
// elapsed since the previous request. One caller holds the slot at a
// time, so concurrent lookups queue rather than burst.
func (c *Client) acquireSlot(ctx context.Context) error {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	wait := c.minInterval - time.Since(c.lastRequest)
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	c.lastRequest = time.Now()
	return nil
}

func (c *Client) query(ctx context.Context, hash string) Report {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/hash/"+hash, nil)
	if err != nil {
		return Report{Hash: hash, Verdict: VerdictError, Err: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("intel lookup failed", "hash", hash, "error", err)
		return Report{Hash: hash, Verdict: VerdictError, Err: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Report{Hash: hash, Verdict: VerdictNotFound}
	default:
		return Report{Hash: hash, Verdict: VerdictError, Err: fmt.Sprintf("intel service returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{Hash: hash, Verdict: VerdictError, Err: err.Error()}
	}

	malicious := int(gjson.GetBytes(body, "stats.malicious").Int())
	total := int(gjson.GetBytes(body, "stats.total").Int())
	threat := gjson.GetBytes(body, "threat_name").String()

	report := Report{
		Hash:           hash,
		MaliciousVotes: malicious,
		TotalEngines:   total,
		ThreatName:     threat,
	}
	switch {
	case malicious >= maliciousThreshold:
		report.Verdict = VerdictMalicious
	case malicious > 0:
		report.Verdict = VerdictSuspicious
	default:
		report.Verdict = VerdictClean
	}
	return report
}

// QuotaUsage reports request-quota consumption on the companion endpoint.
func (c *Client) QuotaUsage(ctx context.Context) (Quota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quota", nil)
	if err != nil {
		return Quota{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quota{}, fmt.Errorf("quota check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quota{}, fmt.Errorf("quota check: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Quota{}, fmt.Errorf("quota check: %w", err)
	}
	return Quota{
		Used:    int(gjson.GetBytes(body, "used").Int()),
		Allowed: int(gjson.GetBytes(body, "allowed").Int()),
	}, nil
}

// cacheResult stores a report, clearing the whole cache on overflow.
func (c *Client) cacheResult(hash string, r Report) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if len(c.cache) >= c.cacheMax {
		c.cache = make(map[string]Report)
	}
	c.cache[hash] = r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
