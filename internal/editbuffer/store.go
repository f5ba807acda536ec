// Package editbuffer stages the binary result of an AI edit between the
// provider call and the moment the user commits or discards it. The host
// editor can only persist JSON-serializable operations, never raw bytes, so
// pending pixels live here under opaque tokens with a bounded lifetime.
package editbuffer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"retouch/internal/imagine"
)

// Context records the provenance of a staged edit for auditing and for the
// AI-edit marker the host editor embeds in its history log.
type Context struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one staged edit. Records are write-once: a token never maps to a
// different record later.
type Record struct {
	Key          string  `json:"key"`
	Path         string  `json:"path"`
	MIME         string  `json:"mime"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	AttachmentID int64   `json:"attachment_id"`
	Context      Context `json:"context"`
}

// Store keeps staged edits on the local filesystem: one image file and one
// JSON sidecar per token. Distinct tokens never collide, so concurrent
// Store/Get calls need no shared locking beyond the filesystem's own.
type Store struct {
	dir    string
	maxAge time.Duration
}

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// New initializes a Store rooted at dir. Records older than maxAge are
// treated as absent; a non-positive maxAge defaults to one hour.
func New(dir string, maxAge time.Duration) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("editbuffer: dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("editbuffer: ensure dir: %w", err)
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Store{dir: dir, maxAge: maxAge}, nil
}

// Store writes the image under a fresh unguessable token and returns the
// record callers echo back to the client.
func (s *Store) Store(ctx context.Context, ownerID string, img *imagine.BinaryImage, attachmentID int64, meta Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("editbuffer: image is required")
	}
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("editbuffer: generate token: %w", err)
	}
	if meta.UserID == "" {
		meta.UserID = ownerID
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	imagePath := filepath.Join(s.dir, token+extensionFor(img.MIME))
	record := &Record{
		Key:          token,
		Path:         imagePath,
		MIME:         img.MIME,
		Width:        img.Width,
		Height:       img.Height,
		AttachmentID: attachmentID,
		Context:      meta,
	}
	if err := os.WriteFile(imagePath, img.Data, 0o600); err != nil {
		return nil, fmt.Errorf("editbuffer: write image: %w", err)
	}
	sidecar, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("editbuffer: encode record: %w", err)
	}
	if err := os.WriteFile(s.sidecarPath(token), sidecar, 0o600); err != nil {
		return nil, fmt.Errorf("editbuffer: write record: %w", err)
	}
	return record, nil
}

// Get resolves a token. Expired records, unknown or malformed tokens, and
// records whose backing file has vanished all report absent rather than an
// error: the staged edit is simply gone and the user is asked to redo it.
func (s *Store) Get(key string) (*Record, bool) {
	key = strings.TrimSpace(key)
	if !tokenPattern.MatchString(key) {
		return nil, false
	}
	sidecar, err := os.ReadFile(s.sidecarPath(key))
	if err != nil {
		return nil, false
	}
	var record Record
	if err := json.Unmarshal(sidecar, &record); err != nil {
		return nil, false
	}
	if record.Key != key {
		return nil, false
	}
	if time.Since(record.Context.Timestamp) > s.maxAge {
		return nil, false
	}
	if _, err := os.Stat(record.Path); err != nil {
		return nil, false
	}
	return &record, true
}

// Bytes loads the staged image for a live record.
func (s *Store) Bytes(record *Record) ([]byte, error) {
	if record == nil {
		return nil, errors.New("editbuffer: record is required")
	}
	return os.ReadFile(record.Path)
}

// Sweep deletes expired records. Eviction policy lives with the caller; this
// method is the mechanism a periodic sweep invokes.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("editbuffer: read dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) <= s.maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) sidecarPath(token string) string {
	return filepath.Join(s.dir, token+".json")
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func extensionFor(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
