package tenancy

import (
	"strings"
	"testing"
)

func TestNewInviteCode_LengthAndAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := newInviteCode()
		if err != nil {
			t.Fatalf("newInviteCode: %v", err)
		}
		if len(code) != inviteCodeLength {
			t.Fatalf("code %q has length %d, want %d", code, len(code), inviteCodeLength)
		}
		for _, r := range code {
			if !strings.ContainsRune(inviteCodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		if strings.ContainsAny(code, "0O1I") {
			t.Fatalf("code %q contains an ambiguous character", code)
		}
	}
}

func TestNewInviteCode_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := newInviteCode()
		if err != nil {
			t.Fatalf("newInviteCode: %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = true
	}
}
