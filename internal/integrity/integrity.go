// Package integrity provides tamper-evident hashing and Merkle tree
// construction for run audit trails. All functions are pure and deterministic.
package integrity

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// Hash version prefix. Length-prefixed field encoding; bump the prefix if
// the canonical encoding ever changes so old hashes stay verifiable.
const hashV1Prefix = "v1:"

// ComputeEventHash produces a versioned BLAKE2b-256 hex digest over the
// canonical event fields. Each field is encoded as a 4-byte big-endian
// length prefix followed by the field bytes, which avoids delimiter
// collisions when freeform markdown contains separator characters. Data is
// canonicalized through json.Marshal (sorted keys).
func ComputeEventHash(e model.PipelineEvent) string {
	h, _ := blake2b.New256(nil)
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.ID.String())
	writeField(e.RunID.String())
	writeField(strconv.FormatInt(e.Seq, 10))
	eye := ""
	if e.Eye != nil {
		eye = string(*e.Eye)
	}
	writeField(eye)
	writeField(string(e.EventType))
	writeField(string(e.Code))
	writeField(e.MD)
	writeField(canonicalData(e.Data))
	writeField(e.NextAction)
	writeField(e.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyEventHash checks whether a stored hash matches the recomputed hash.
func VerifyEventHash(stored string, e model.PipelineEvent) bool {
	return stored == ComputeEventHash(e)
}

func canonicalData(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	b, err := json.Marshal(data)
	if err != nil {
		// Data came from jsonb or a map literal; marshal cannot fail for
		// JSON-representable values. An unrepresentable value still gets a
		// stable sentinel so verification fails loudly rather than panics.
		return "!unmarshalable"
	}
	return string(b)
}

// hashPair produces BLAKE2b-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), ensuring internal node hashes can never collide with leaf
// content hashes.
func hashPair(a, b string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be in event sequence order so the root also binds the
// ordering of the log. If leaves is empty, returns an empty string. If
// leaves has one element, the root is that element. Odd-length levels hash
// the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// Report is the outcome of verifying a run's event log.
type Report struct {
	Root        string `json:"merkle_root"`
	EventCount  int    `json:"event_count"`
	Verified    bool   `json:"verified"`
	MismatchSeq int64  `json:"mismatch_seq,omitempty"`
}

// VerifyEvents recomputes every event's content hash, checks the sequence
// numbers are gapless from 1, and builds the Merkle root over the stored
// hashes in log order. Any recomputed hash that disagrees with the stored
// one, or any sequence gap, marks the log unverified; MismatchSeq points at
// the first offending event.
func VerifyEvents(events []model.PipelineEvent) Report {
	report := Report{EventCount: len(events), Verified: true}

	leaves := make([]string, 0, len(events))
	for i, e := range events {
		if report.Verified && e.Seq != int64(i+1) {
			report.Verified = false
			report.MismatchSeq = e.Seq
		}
		if report.Verified && !VerifyEventHash(e.ContentHash, e) {
			report.Verified = false
			report.MismatchSeq = e.Seq
		}
		leaves = append(leaves, e.ContentHash)
	}
	report.Root = BuildMerkleRoot(leaves)
	return report
}
