// Package hexid generates short random hex identifiers.
//
// Loop iterations stamp these on session events as trace ids; 8 hex
// characters are enough to grep one iteration out of an event log
// without dragging a full UUID through every record.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Trace returns the trace id for iteration n of a run, pairing the
// iteration ordinal with a random component ("3-9f2ac81d").
func Trace(n int) string {
	return fmt.Sprintf("%d-%s", n, New())
}
