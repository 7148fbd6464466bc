package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random id, optionally prefixed: "exp-3f2c...".
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// IdempotencyKey is safe to use as a remote document id.
func IdempotencyKey(terminalID string) string {
	terminalID = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', ' ':
			return '_'
		}
		return r
	}, strings.TrimSpace(terminalID))
	if terminalID == "" {
		return uuid.NewString()
	}
	return terminalID + "-" + uuid.NewString()
}
