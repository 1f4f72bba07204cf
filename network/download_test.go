package network

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedDownload(t *testing.T) {
	payload := []byte("contenido del archivo remoto")
	dl, err := CappedDownload(bytes.NewReader(payload), 1024, "informe.txt")
	require.NoError(t, err)

	assert.Equal(t, payload, dl.Data)
	assert.Equal(t, int64(len(payload)), dl.Size)
	want := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(want[:]), dl.SHA256)
}

func TestCappedDownload_TooLarge(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", 1000))
	_, err := CappedDownload(r, 999, "grande.bin")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestCappedDownload_ExactCap(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", 1000))
	dl, err := CappedDownload(r, 1000, "justo.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), dl.Size)
}

// An endless reader proves the cap aborts mid-stream instead of buffering.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

func TestCappedDownload_AbortsEndlessStream(t *testing.T) {
	_, err := CappedDownload(io.Reader(endlessReader{}), 64*1024, "infinito")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestCappedDownload_EmptyStream(t *testing.T) {
	dl, err := CappedDownload(bytes.NewReader(nil), 10, "vacío")
	require.NoError(t, err)
	assert.Zero(t, dl.Size)
	want := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(want[:]), dl.SHA256)
}
