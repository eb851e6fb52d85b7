package audit

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// entryDomainKey is the ASCII domain name zero-padded to 32 bytes. It is the
// chain key when no secret is configured, and anyone can recompute it.
// Changing it invalidates every stored chain.
var entryDomainKey = [32]byte{
	'c', 'l', 'i', 'n', 'i', 'c', 'o', 'r', 'e', '.', 'a', 'u', 'd', 'i', 't', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const chainKeyContext = "clinicore.org 2025 audit chain key"

// deriveChainKey turns an operator secret into the 32-byte chain key. An empty
// secret yields the public domain key.
func deriveChainKey(secret string) [32]byte {
	if secret == "" {
		return entryDomainKey
	}
	var key [32]byte
	blake3.DeriveKey(chainKeyContext, []byte(secret), key[:])
	return key
}

// canonicalEntry fixes the field order and time format fed to the hash.
type canonicalEntry struct {
	ID             string  `json:"id"`
	ActorAccountID *string `json:"actor_account_id"`
	ActorName      string  `json:"actor_name"`
	ActorRole      string  `json:"actor_role"`
	Action         string  `json:"action"`
	ResourceType   string  `json:"resource_type"`
	ResourceID     string  `json:"resource_id"`
	ResourceName   string  `json:"resource_name"`
	Details        string  `json:"details"`
	RequestID      string  `json:"request_id"`
	Timestamp      string  `json:"timestamp"`
	IsSuccess      bool    `json:"is_success"`
	ErrorMessage   *string `json:"error_message"`
	PrevHash       string  `json:"prev_hash"`
}

func chainHash(key [32]byte, e Entry) string {
	payload, err := json.Marshal(canonicalEntry{
		ID:             e.ID,
		ActorAccountID: e.ActorAccountID,
		ActorName:      e.ActorName,
		ActorRole:      string(e.ActorRole),
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		ResourceName:   e.ResourceName,
		Details:        e.Details,
		RequestID:      e.RequestID,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		IsSuccess:      e.IsSuccess,
		ErrorMessage:   e.ErrorMessage,
		PrevHash:       e.PrevHash,
	})
	if err != nil {
		// Only strings, bools and pointers to strings; cannot fail.
		panic("audit: marshal canonical entry: " + err.Error())
	}
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// VerifyReport is the outcome of checking the retained chain.
type VerifyReport struct {
	Checked  int    `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// verifyChain checks newest-first entries under key. The oldest retained entry
// anchors the chain; its predecessor may already have been dropped from the ring.
func verifyChain(key [32]byte, entries []Entry) VerifyReport {
	report := VerifyReport{Checked: len(entries), Valid: true}
	for i, e := range entries {
		if chainHash(key, e) != e.Hash {
			return VerifyReport{Checked: len(entries), BrokenAt: e.ID, Reason: "hash mismatch"}
		}
		if i+1 < len(entries) && e.PrevHash != entries[i+1].Hash {
			return VerifyReport{Checked: len(entries), BrokenAt: e.ID, Reason: "broken link"}
		}
	}
	return report
}
