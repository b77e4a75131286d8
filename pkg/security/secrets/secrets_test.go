package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	m, err := NewFromPassphrase("correct-horse-battery-staple")
	require.NoError(t, err)

	s, err := m.Seal("job-1", "api-token", []byte("s3cr3t"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("s3cr3t"), s.Data)

	plaintext, err := m.Open(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), plaintext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m, err := NewFromPassphrase("pw")
	require.NoError(t, err)

	ct, err := m.Encrypt([]byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = m.Decrypt(ct)
	assert.Error(t, err)
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}
