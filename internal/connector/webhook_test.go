package connector

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifierAcceptsValidHMACSignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"event":"updated"}`)
	v := NewVerifier(SchemeHMACSHA256, secret, nil)

	err := v.Verify(body, sign(secret, body), "updated")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Rejected())
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	secret := []byte("shared-secret")
	v := NewVerifier(SchemeHMACSHA256, secret, nil)

	sig := sign(secret, []byte(`{"event":"updated"}`))
	err := v.Verify([]byte(`{"event":"deleted"}`), sig, "updated")
	assert.Error(t, err)
	assert.Equal(t, int64(1), v.Rejected())
}

func TestVerifierEnforcesTopicAllowlist(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{}`)
	v := NewVerifier(SchemeHMACSHA256, secret, TopicAllowlist{"updated": true})

	err := v.Verify(body, sign(secret, body), "deleted")
	assert.Error(t, err)
	assert.Equal(t, int64(1), v.Rejected())
}

func TestVerifierSharedTokenScheme(t *testing.T) {
	v := NewVerifier(SchemeSharedToken, []byte("token-123"), nil)
	assert.NoError(t, v.Verify([]byte("body"), "token-123", "any"))
	assert.Error(t, v.Verify([]byte("body"), "wrong-token", "any"))
}

func TestTopicAllowlistEmptyPermitsEverything(t *testing.T) {
	var allow TopicAllowlist
	assert.True(t, allow.Allows("anything"))
}
