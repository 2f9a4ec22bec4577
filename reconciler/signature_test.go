package reconciler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"event":"opened","message-id":"<m1@test>"}`)
	sig := Sign(secret, body)

	assert.NoError(t, VerifySignature(secret, body, sig))
	assert.NoError(t, VerifySignature(secret, body, strings.TrimPrefix(sig, "sha256=")), "bare hex")
	assert.NoError(t, VerifySignature(secret, body, "sha256="+strings.ToUpper(strings.TrimPrefix(sig, "sha256="))))

	cases := map[string]struct {
		secret []byte
		body   []byte
		sig    string
	}{
		"tampered body":  {secret, []byte(`{"event":"clicked"}`), sig},
		"wrong secret":   {[]byte("other"), body, sig},
		"empty secret":   {nil, body, Sign(nil, body)},
		"missing header": {secret, body, ""},
		"not hex":        {secret, body, "sha256=zzzz"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySignature(tc.secret, tc.body, tc.sig), ErrSignatureInvalid)
		})
	}
}
