package quarantine

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"os/user"
	"strings"
)

// keystreamBlock is the output width of one expansion step.
const keystreamBlock = sha256.Size

// deriveSeed binds the obfuscation key to this machine and user. The
// transform is a deterrence against casual double-click execution of
// quarantined payloads, not a confidentiality mechanism.
func deriveSeed() []byte {
	machine := machineID()
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(machine + "|" + username))
	return sum[:]
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "vigil-host"
	}
	return host
}

// transform XORs data in place against a keystream expanded from seed.
// Applying it twice with the same seed restores the original bytes.
func transform(seed, data []byte) {
	var block [keystreamBlock]byte
	for i := 0; i < len(data); i += keystreamBlock {
		expandBlock(seed, uint64(i/keystreamBlock), &block)
		end := i + keystreamBlock
		if end > len(data) {
			end = len(data)
		}
		for j := i; j < end; j++ {
			data[j] ^= block[j-i]
		}
	}
}

func expandBlock(seed []byte, n uint64, out *[keystreamBlock]byte) {
	h := sha256.New()
	h.Write(seed)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], n)
	h.Write(counter[:])
	copy(out[:], h.Sum(nil))
}
