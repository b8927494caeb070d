package tenancy

import (
	"crypto/rand"
	"fmt"
)

// inviteCodeAlphabet omits 0/O and 1/I so codes survive being read aloud or
// written on a whiteboard. 32 characters, so a random byte maps onto it
// without modulo bias.
const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const inviteCodeLength = 8

// maxInviteAttempts bounds collision retries when generating a hospital's
// invite code. The keyspace is 32^8, so more than one retry is already
// extraordinary; the unique index is the backstop.
const maxInviteAttempts = 5

// newInviteCode returns a fresh 8-character invite code.
func newInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(buf), nil
}
