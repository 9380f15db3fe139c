package vdf

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_DifficultyOneIsSingleHash(t *testing.T) {
	input := GenesisOutput("seed")

	out, checkpoints, err := Compute(input, 1, 10)
	require.NoError(t, err)

	raw, _ := hex.DecodeString(input)
	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), out)
	assert.Equal(t, []string{out}, checkpoints)
	assert.True(t, Verify(input, out, checkpoints, 1, 10))
}

func TestComputeVerify_RoundTrip(t *testing.T) {
	input := LinkInput(GenesisOutput("seed"), "ev-1", "R1", 1700000000)

	out, checkpoints, err := Compute(input, 1000, 10)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 10)
	assert.Equal(t, out, checkpoints[9])

	assert.True(t, Verify(input, out, checkpoints, 1000, 10))
	assert.True(t, VerifyTail(input, out, checkpoints, 1000, 10))
}

func TestVerify_FlippedCheckpointFails(t *testing.T) {
	input := LinkInput(GenesisOutput("seed"), "ev-1", "R1", 1700000000)
	out, checkpoints, err := Compute(input, 200, 10)
	require.NoError(t, err)

	tampered := append([]string(nil), checkpoints...)
	tampered[4] = flipHex(tampered[4])
	assert.False(t, Verify(input, out, tampered, 200, 10))
}

func TestVerify_FlippedOutputFails(t *testing.T) {
	input := LinkInput(GenesisOutput("seed"), "ev-1", "R1", 1700000000)
	out, checkpoints, err := Compute(input, 200, 10)
	require.NoError(t, err)

	assert.False(t, Verify(input, flipHex(out), checkpoints, 200, 10))
	assert.False(t, VerifyTail(input, flipHex(out), checkpoints, 200, 10))
}

func TestLinkInput_SensitiveToEveryField(t *testing.T) {
	base := LinkInput("prev", "ev-1", "R1", 100)
	assert.NotEqual(t, base, LinkInput("prevX", "ev-1", "R1", 100))
	assert.NotEqual(t, base, LinkInput("prev", "ev-2", "R1", 100))
	assert.NotEqual(t, base, LinkInput("prev", "ev-1", "R2", 100))
	assert.NotEqual(t, base, LinkInput("prev", "ev-1", "R1", 101))
	assert.Equal(t, base, LinkInput("prev", "ev-1", "R1", 100))
}

func flipHex(s string) string {
	b := []byte(s)
	if b[0] == 'f' {
		b[0] = '0'
	} else {
		b[0] = 'f'
	}
	return string(b)
}
