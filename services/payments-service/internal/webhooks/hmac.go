package webhooks

import (
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"strings"
)

// checkHMAC compares a hex-encoded signature against the payload's HMAC in
// constant time. An optional "sha256=" style prefix on the header value is
// tolerated.
func checkHMAC(newHash func() hash.Hash, payload []byte, secret, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if i := strings.IndexByte(signature, '='); i >= 0 && !isHex(signature[:i]) {
		signature = signature[i+1:]
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
