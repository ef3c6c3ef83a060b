package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSignature(t *testing.T) {
	key := "signing-key"
	ts, token := "1756227600", "tok-abc"
	sig := SignPayload(key, ts, token)

	assert.True(t, ValidateSignature(key, ts, token, sig))
	assert.False(t, ValidateSignature(key, ts, token, sig+"0"), "tampered signature")
	assert.False(t, ValidateSignature(key, "1756227601", token, sig), "tampered timestamp")
	assert.False(t, ValidateSignature(key, ts, "tok-xyz", sig), "tampered token")
	assert.False(t, ValidateSignature("other-key", ts, token, sig), "wrong key")
	assert.False(t, ValidateSignature("", ts, token, sig), "no key configured means reject")
	assert.False(t, ValidateSignature(key, ts, token, ""), "empty signature")
}
