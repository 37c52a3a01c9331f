package storage_test

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"reelforge/internal/storage"
)

func newLocalStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), []byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return store
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	locator, err := store.Put(ctx, "projects/p1/sample/clip.mp4", strings.NewReader("payload"), -1, "video/mp4")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if locator != "projects/p1/sample/clip.mp4" {
		t.Errorf("locator = %q", locator)
	}

	body, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("object content = %q", data)
	}
}

func TestLocalRejectsTraversalKeys(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../b", "."} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), -1, ""); err == nil {
			t.Errorf("Put accepted traversal key %q", key)
		}
		if _, err := store.Get(ctx, key); err == nil {
			t.Errorf("Get accepted traversal key %q", key)
		}
	}
}

func TestLocalSignedURLVerifies(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	signed, err := store.SignedURL(ctx, "projects/p1/deliverable/final.mp4", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(signed, "/files/projects/p1/deliverable/final.mp4?") {
		t.Fatalf("signed URL = %q", signed)
	}

	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse signed URL: %v", err)
	}
	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("parse expires: %v", err)
	}
	token := parsed.Query().Get("token")

	if !store.VerifyToken("projects/p1/deliverable/final.mp4", expires, token) {
		t.Error("freshly minted token rejected")
	}
	if store.VerifyToken("projects/p2/deliverable/final.mp4", expires, token) {
		t.Error("token accepted for a different key")
	}
	if store.VerifyToken("projects/p1/deliverable/final.mp4", expires, token+"00") {
		t.Error("tampered token accepted")
	}
}

func TestLocalExpiredTokenRejected(t *testing.T) {
	store := newLocalStore(t)

	// Even a correctly signed token is refused once its deadline passes.
	signed, err := store.SignedURL(context.Background(), "k", -time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, _ := url.Parse(signed)
	token := parsed.Query().Get("token")
	past, _ := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	if past > time.Now().Unix() {
		t.Fatalf("negative ttl produced future expiry %d", past)
	}
	if store.VerifyToken("k", past, token) {
		t.Error("expired token accepted")
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "projects/p1/deliverable/final.mp4", strings.NewReader("x"), -1, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "projects/p1/deliverable/final.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "projects/p1/deliverable/final.mp4"); err == nil {
		t.Error("deleted object still readable")
	}
	// Sweeper re-runs hit already-deleted keys.
	if err := store.Delete(ctx, "projects/p1/deliverable/final.mp4"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	if got := storage.SampleKey("p1", "clip.mp4"); got != "projects/p1/sample/clip.mp4" {
		t.Errorf("SampleKey = %q", got)
	}
	if got := storage.ClipKey("p1", 2, 3); !strings.HasPrefix(got, "projects/p1/clips/") {
		t.Errorf("ClipKey = %q", got)
	}
	if got := storage.DeliverableKey("p1"); !strings.HasPrefix(got, "projects/p1/deliverable/") {
		t.Errorf("DeliverableKey = %q", got)
	}
}
