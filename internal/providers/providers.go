// Package providers contains clients for the external clip generation
// backends. Each backend exposes the same asynchronous contract: submit a
// job, poll its handle, optionally cancel it. Handles are opaque strings the
// caller persists; a restarted daemon resumes by polling the stored handle
// rather than submitting again.
package providers

import (
	"context"
	"fmt"
)

// JobStatus is the normalized state of an external generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// SubmitRequest describes one clip generation job.
type SubmitRequest struct {
	Model       string
	Prompt      string
	Seconds     float64
	AspectRatio string
	// RefImageURL, when set, conditions generation on the reference image.
	RefImageURL string
}

// PollResult is the outcome of one poll of an external job.
type PollResult struct {
	Status JobStatus
	// OutputURL is set once Status is JobSucceeded.
	OutputURL string
	// Detail carries the backend's failure reason when Status is JobFailed.
	Detail string
}

// Client is the contract every generation backend satisfies.
type Client interface {
	// Name returns the provider tag used in plans and task records.
	Name() string
	// Submit starts a job and returns its opaque handle.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Poll reports the current state of a previously submitted job.
	Poll(ctx context.Context, handle string) (PollResult, error)
	// Cancel requests termination of a running job. Backends without a
	// cancel surface return nil; the job simply finishes unobserved.
	Cancel(ctx context.Context, handle string) error
}

// Registry maps provider tags to clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	registry := &Registry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		if client != nil {
			registry.clients[client.Name()] = client
		}
	}
	return registry
}

// Lookup returns the client registered under tag.
func (r *Registry) Lookup(tag string) (Client, error) {
	client, ok := r.clients[tag]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", tag)
	}
	return client, nil
}

// Names returns the registered provider tags.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
