// Package storage abstracts the blob store behind a small contract: put a
// stream under a key, read it back, mint an expiring signed URL, delete it.
// The production implementation targets S3-compatible object storage; a
// filesystem implementation backs local development and tests.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Store is the blob storage contract used by upload, generation, assembly,
// delivery, and the expiry sweeper.
type Store interface {
	// Put streams content to the given key and returns its locator.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// SignedURL mints a time-limited retrieval URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes the object under key. Deleting a missing key is not
	// an error; the sweeper relies on that for idempotent re-runs.
	Delete(ctx context.Context, key string) error
}

// Keys group project assets under stable prefixes.
func SampleKey(projectID, filename string) string {
	return "projects/" + projectID + "/sample/" + filename
}

func RefImageKey(projectID, filename string) string {
	return "projects/" + projectID + "/ref/" + filename
}

func RefAudioKey(projectID, filename string) string {
	return "projects/" + projectID + "/audio/" + filename
}

func ClipKey(projectID string, clipIndex int, attempt int) string {
	return fmt.Sprintf("projects/%s/clips/%03d-%d.mp4", projectID, clipIndex, attempt)
}

func DeliverableKey(projectID string) string {
	return "projects/" + projectID + "/final/video.mp4"
}

func VoiceKey(projectID string) string {
	return "projects/" + projectID + "/audio/voice.mp3"
}
