// Package cryptoutil holds the crypto primitives shared by the ingest
// pipeline, the trust engine and the VDF chain: SHA-256 hashing,
// HMAC-SHA256 event signatures, constant-time comparison and nonce
// generation.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
)

// SHA256Hex returns the hex-encoded SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventMessage builds the canonical signature message for a toll event:
// tag_hash ‖ reader_id ‖ decimal_timestamp ‖ nonce, UTF-8 concatenation
// with no separators. Independent of any serializer ordering.
func EventMessage(tagHash, readerID string, timestamp int64, nonce string) []byte {
	return []byte(tagHash + readerID + strconv.FormatInt(timestamp, 10) + nonce)
}

// SignEvent returns the hex HMAC-SHA256 of the canonical event message.
func SignEvent(secret []byte, tagHash, readerID string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(EventMessage(tagHash, readerID, timestamp, nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACHex returns the hex HMAC-SHA256 of an arbitrary message.
func HMACHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two strings without leaking the position of
// the first mismatch. Used for signatures and the admin API key.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNonce returns a 16-byte random hex string.
func NewNonce() (string, error) {
	return randomHex(16)
}

// NewSecret returns a 32-byte random reader secret.
func NewSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("secret generation failed: %w", err)
	}
	return buf, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
