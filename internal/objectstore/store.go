package objectstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store is a flat key/value blob store. Keys use "/" separators.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the objects under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	// Stat reports ErrNotFound for a missing key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// UserPrefix is the key prefix owned by a user.
func UserPrefix(userID int64) string {
	return strconv.FormatInt(userID, 10) + "/"
}

// ObjectKey places name under the user's prefix. Only the base name is kept
// so the key cannot escape the prefix.
func ObjectKey(userID int64, name string) string {
	return UserPrefix(userID) + SafeName(name)
}

// SafeName reduces name to a single path segment.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// OwnedBy reports whether key lies under the user's prefix.
func OwnedBy(userID int64, key string) bool {
	prefix := UserPrefix(userID)
	return strings.HasPrefix(key, prefix) && len(key) > len(prefix) && !strings.Contains(key[len(prefix):], "/")
}
