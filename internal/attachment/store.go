// Package attachment stores files uploaded inline with chat messages. Each
// file is written under the uploads root as "<token>.<ext>", where token is a
// millisecond timestamp that never repeats within the process.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultMaxBytes = 10 << 20
	fallbackExt     = "bin"
	maxExtLen       = 10
	maxCreateTries  = 16
)

var (
	// ErrInvalidData is returned when the payload is empty or not base64.
	ErrInvalidData = errors.New("attachment: invalid data")
	// ErrTooLarge is returned when the decoded payload exceeds the limit.
	ErrTooLarge = errors.New("attachment: payload too large")
)

// Stored describes a file written by the store.
type Stored struct {
	Name        string
	SizeBytes   int64
	ContentType string
}

// Store writes attachments into a single directory.
type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	last     atomic.Int64
}

// NewStore creates the uploads directory if needed and returns a store
// rooted at it. maxBytes <= 0 selects DefaultMaxBytes.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachment: failed to create uploads dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Dir returns the uploads root.
func (s *Store) Dir() string { return s.dir }

// Save decodes data and writes it under a fresh stored name derived from the
// client-supplied name's extension.
func (s *Store) Save(name, data string) (Stored, error) {
	raw, err := Decode(data)
	if err != nil {
		return Stored{}, err
	}
	if int64(len(raw)) > s.maxBytes {
		return Stored{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	ext := Extension(name)
	for i := 0; i < maxCreateTries; i++ {
		stored := strconv.FormatInt(s.nextToken(), 10) + "." + ext
		f, err := os.OpenFile(filepath.Join(s.dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return Stored{}, fmt.Errorf("attachment: failed to create %s: %w", stored, err)
		}
		if _, err := f.Write(raw); err != nil {
			f.Close()
			os.Remove(f.Name())
			return Stored{}, fmt.Errorf("attachment: failed to write %s: %w", stored, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return Stored{}, fmt.Errorf("attachment: failed to close %s: %w", stored, err)
		}
		return Stored{
			Name:        stored,
			SizeBytes:   int64(len(raw)),
			ContentType: mimetype.Detect(raw).String(),
		}, nil
	}
	return Stored{}, fmt.Errorf("attachment: no free name after %d tries", maxCreateTries)
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (s *Store) Remove(stored string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(stored)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("attachment: failed to remove %s: %w", stored, err)
	}
	return nil
}

// nextToken returns the current unix millisecond, bumped past the previous
// token when the clock has not advanced.
func (s *Store) nextToken() int64 {
	for {
		prev := s.last.Load()
		next := s.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Decode accepts a data URI ("data:<mime>;base64,<payload>") or bare base64,
// padded or not.
func Decode(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		i := strings.IndexByte(data, ',')
		if i < 0 {
			return nil, fmt.Errorf("%w: data URI without payload", ErrInvalidData)
		}
		data = data[i+1:]
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidData)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return raw, nil
}

// Extension returns the lowercased extension of a client-supplied file name,
// or "bin" when it has none or it is not alphanumeric.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return fallbackExt
	}
	ext := strings.ToLower(name[i+1:])
	if len(ext) > maxExtLen {
		return fallbackExt
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fallbackExt
		}
	}
	return ext
}
