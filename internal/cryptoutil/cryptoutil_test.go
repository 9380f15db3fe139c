package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignEvent_CanonicalForm(t *testing.T) {
	secret := []byte("demo_secret")

	// Independently computed: HMAC(secret, tag_hash + reader_id + "1700000000" + nonce)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("abc123" + "RDR-001" + "1700000000" + "n-1"))
	want := hex.EncodeToString(mac.Sum(nil))

	got := SignEvent(secret, "abc123", "RDR-001", 1700000000, "n-1")
	assert.Equal(t, want, got)
}

func TestSignEvent_SensitiveToEveryField(t *testing.T) {
	secret := []byte("s")
	base := SignEvent(secret, "tag", "rdr", 100, "n")

	assert.NotEqual(t, base, SignEvent(secret, "tag2", "rdr", 100, "n"))
	assert.NotEqual(t, base, SignEvent(secret, "tag", "rdr2", 100, "n"))
	assert.NotEqual(t, base, SignEvent(secret, "tag", "rdr", 101, "n"))
	assert.NotEqual(t, base, SignEvent(secret, "tag", "rdr", 100, "n2"))
	assert.NotEqual(t, base, SignEvent([]byte("s2"), "tag", "rdr", 100, "n"))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("deadbeef", "deadbeef"))
	assert.False(t, ConstantTimeEqual("deadbeef", "deadbeee"))
	assert.False(t, ConstantTimeEqual("deadbeef", "deadbee"))
	assert.False(t, ConstantTimeEqual("", "x"))
}

func TestNewNonce_UniqueAndWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := NewNonce()
		require.NoError(t, err)
		assert.Len(t, n, 32) // 16 bytes hex-encoded
		assert.False(t, seen[n], "nonce collision")
		seen[n] = true
	}
}

func TestSHA256Hex(t *testing.T) {
	// SHA256("") is a fixed vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
}
