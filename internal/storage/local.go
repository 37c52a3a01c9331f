package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore is a filesystem implementation of Store for development and
// tests. Signed URLs are file URLs carrying an HMAC token with an embedded
// expiry, verified by VerifyLocalToken for parity with the object store's
// expiring links.
type LocalStore struct {
	root   string
	secret []byte
}

// NewLocalStore roots a local store at dir.
func NewLocalStore(dir string, secret []byte) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if len(secret) == 0 {
		secret = []byte("local-store")
	}
	return &LocalStore{root: dir, secret: secret}, nil
}

func (l *LocalStore) pathFor(key string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(key, "/"))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

// Put implements Store.
func (l *LocalStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return "", fmt.Errorf("write object %q: %w", key, err)
	}
	return key, nil
}

// Get implements Store.
func (l *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return file, nil
}

// SignedURL implements Store.
func (l *LocalStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := l.pathFor(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	token := l.sign(key, expires)
	values := url.Values{}
	values.Set("expires", strconv.FormatInt(expires, 10))
	values.Set("token", token)
	return "/files/" + key + "?" + values.Encode(), nil
}

// VerifyToken checks a signed local URL's token against its expiry.
func (l *LocalStore) VerifyToken(key string, expires int64, token string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := l.sign(key, expires)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (l *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(key))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Delete implements Store. Missing files are treated as already deleted.
func (l *LocalStore) Delete(ctx context.Context, key string) error {
	path, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// Root returns the filesystem root of the store.
func (l *LocalStore) Root() string {
	return l.root
}
