// Package schedule turns triggers into persisted tasks: it derives
// idempotency keys, computes fire times and enqueues reminder chains.
package schedule

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"
)

// Key is a derived idempotency key. Two logically equivalent sends always
// derive the same Key.
type Key string

// KeyInput lists the semantic inputs of a key. Every field participates;
// zero values are encoded like any other value.
type KeyInput struct {
	// Namespace separates key spaces, e.g. "reminder", "campaign", "workflow".
	Namespace string
	Channel   string
	// Recipient is the normalized address (phone, email or alert target).
	Recipient string
	TriggerAt time.Time
	Offset    time.Duration
	// Ref carries extra identity such as batch id or workflow+template.
	Ref string
}

// DeriveKey hashes the length-prefixed inputs with SHA-256. Length prefixes
// keep ("ab","c") and ("a","bc") apart.
func DeriveKey(in KeyInput) Key {
	h := sha256.New()
	var lenBuf [binary.MaxVarintLen64]byte

	write := func(s string) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:n])
		h.Write([]byte(s))
	}

	write(in.Namespace)
	write(in.Channel)
	write(in.Recipient)
	write(strconv.FormatInt(in.TriggerAt.UTC().UnixNano(), 10))
	write(strconv.FormatInt(int64(in.Offset), 10))
	write(in.Ref)

	return Key(in.Namespace + ":" + hex.EncodeToString(h.Sum(nil)))
}

// String returns the key as stored.
func (k Key) String() string {
	return string(k)
}
