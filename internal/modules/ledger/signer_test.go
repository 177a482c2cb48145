package ledger

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
)

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func testRecord() domain.RunRecord {
	return domain.RunRecord{
		RunID:      "run-1",
		Seq:        1,
		Epoch:      10,
		Seed:       42,
		InputHash:  "aaaa",
		OutputHash: "bbbb",
	}
}

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner(testSeed())
	require.NoError(t, err)

	rec := testRecord()
	sig, err := signer.Sign(rec)
	require.NoError(t, err)
	rec.Signature = sig

	ok, err := Verify(rec, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedRecord(t *testing.T) {
	signer, err := NewSigner(testSeed())
	require.NoError(t, err)

	rec := testRecord()
	sig, err := signer.Sign(rec)
	require.NoError(t, err)
	rec.Signature = sig

	rec.OutputHash = "cccc"
	ok, err := Verify(rec, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUnsignedWithoutKey(t *testing.T) {
	ok, err := Verify(testRecord(), "")
	require.NoError(t, err)
	assert.True(t, ok, "unsigned record verifies when no key is configured")
}

func TestVerifyUnsignedWithKeyFails(t *testing.T) {
	signer, err := NewSigner(testSeed())
	require.NoError(t, err)

	ok, err := Verify(testRecord(), signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok, "configured key makes missing signatures a failure")
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	assert.Error(t, err)
}

func TestLoadSignerRawSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, testSeed(), 0600))

	signer, err := LoadSigner(path)
	require.NoError(t, err)

	expected, err := NewSigner(testSeed())
	require.NoError(t, err)
	assert.Equal(t, expected.PublicKey(), signer.PublicKey())
}

func TestLoadSignerHexSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.hex")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(testSeed())+"\n"), 0600))

	signer, err := LoadSigner(path)
	require.NoError(t, err)

	expected, err := NewSigner(testSeed())
	require.NoError(t, err)
	assert.Equal(t, expected.PublicKey(), signer.PublicKey())
}
