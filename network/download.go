package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/SaintWyss/ragcore/common"
)

// ErrFileTooLarge aborts a download whose stream exceeds the byte cap.
var ErrFileTooLarge = errors.New("file exceeds the configured size limit")

// Download is the result of a capped streaming read: the bytes plus the
// incrementally computed SHA-256 of exactly those bytes.
type Download struct {
	Data   []byte
	SHA256 string
	Size   int64
}

// CappedDownload consumes the reader while hashing, aborting as soon as the
// stream passes maxBytes. Nothing beyond the cap is buffered.
func CappedDownload(r io.Reader, maxBytes int64, name string) (*Download, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("download cap must be positive")
	}
	hasher := sha256.New()
	var data []byte
	var total int64

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, fmt.Errorf("%q after %s: %w", name, humanize.Bytes(uint64(maxBytes)), ErrFileTooLarge)
			}
			hasher.Write(buf[:n])
			data = append(data, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("download %q: %w", name, err)
		}
	}

	common.Logger.WithField("name", name).
		WithField("size", humanize.Bytes(uint64(total))).
		Debug("download complete")
	return &Download{
		Data:   data,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
		Size:   total,
	}, nil
}
