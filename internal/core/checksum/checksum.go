// Package checksum hashes file content for change detection.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/Ning0612/sftpsync/internal/domain"
)

// Options configures the checksum calculator
type Options struct {
	// MaxSize: files larger than this are rejected (0 = unlimited)
	MaxSize int64

	// BufferSize: size of buffer for streaming reads
	BufferSize int
}

// DefaultOptions hashes files of any size with a 32KB buffer
func DefaultOptions() Options {
	return Options{
		BufferSize: 32 * 1024,
	}
}

// Calculator computes content hashes
type Calculator struct {
	opts Options
}

// NewCalculator creates a new calculator with the given options
func NewCalculator(opts Options) *Calculator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 32 * 1024
	}
	return &Calculator{opts: opts}
}

// NewDefaultCalculator creates a calculator with default options
func NewDefaultCalculator() *Calculator {
	return NewCalculator(DefaultOptions())
}

// Calculate streams reader through the hasher for algo and returns the
// lowercase hex digest, the same text md5sum and sha256sum print.
func (c *Calculator) Calculate(ctx context.Context, reader io.Reader, algo domain.HashAlgorithm) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	var limited io.Reader = reader
	if c.opts.MaxSize > 0 {
		limited = io.LimitReader(reader, c.opts.MaxSize+1)
	}

	buffer := make([]byte, c.opts.BufferSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := limited.Read(buffer)
		if n > 0 {
			total += int64(n)
			if c.opts.MaxSize > 0 && total > c.opts.MaxSize {
				return "", fmt.Errorf("file size exceeds maximum (%d bytes)", c.opts.MaxSize)
			}
			h.Write(buffer[:n])
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read error: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// File hashes a local file. found is false when nothing exists at name;
// a directory is reported as an error.
func (c *Calculator) File(ctx context.Context, fsys afero.Fs, name string, algo domain.HashAlgorithm) (sum string, found bool, err error) {
	f, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, &domain.LocalError{Op: "open", Path: name, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, &domain.LocalError{Op: "stat", Path: name, Err: err}
	}
	if info.IsDir() {
		return "", false, &domain.LocalError{Op: "hash", Path: name, Err: errors.New("is a directory")}
	}

	sum, err = c.Calculate(ctx, f, algo)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, err
		}
		return "", false, &domain.LocalError{Op: "hash", Path: name, Err: err}
	}
	return sum, true, nil
}

func newHash(algo domain.HashAlgorithm) (hash.Hash, error) {
	switch algo {
	case domain.HashMD5, "":
		return md5.New(), nil
	case domain.HashSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algo)
	}
}

// IsHexDigest reports whether s looks like a digest produced by algo
func IsHexDigest(s string, algo domain.HashAlgorithm) bool {
	want := md5.Size * 2
	if algo == domain.HashSHA256 {
		want = sha256.Size * 2
	}
	if len(s) != want {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
