// Package publish sends posts to social platforms.
//
// Each platform is a Publisher. The Orchestrator runs a job against every
// enabled platform, isolating failures so one platform never prevents an
// attempt on the others, then records the outcome and removes the job's
// media file.
package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/socialhub/internal/models"
)

// Publisher is implemented by each platform adapter.
type Publisher interface {
	// Platform identifies the network this publisher posts to.
	Platform() models.Platform

	// Publish creates a post. imagePath may be empty for text-only posts.
	Publish(ctx context.Context, imagePath, caption string) (models.Receipt, error)
}

// Verifier is optionally implemented by publishers that can check their
// credentials without posting.
type Verifier interface {
	Verify(ctx context.Context) (Account, error)
}

// Account identifies the identity a publisher posts as.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry holds the configured publishers, one per platform.
type Registry struct {
	mu         sync.RWMutex
	publishers map[models.Platform]Publisher
}

// NewRegistry creates a registry containing pubs. Registering two publishers
// for the same platform is an error.
func NewRegistry(pubs ...Publisher) (*Registry, error) {
	r := &Registry{publishers: make(map[models.Platform]Publisher)}
	for _, p := range pubs {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a publisher.
func (r *Registry) Register(p Publisher) error {
	if p == nil {
		return fmt.Errorf("publish: publisher is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.publishers[p.Platform()]; dup {
		return fmt.Errorf("publish: %s already registered", p.Platform())
	}
	r.publishers[p.Platform()] = p
	return nil
}

// Get returns the publisher for a platform.
func (r *Registry) Get(p models.Platform) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.publishers[p]
	return pub, ok
}

// Configured returns the registered platforms in publish order.
func (r *Registry) Configured() []models.Platform {
	r.mu.RLock()
	set := make(models.PlatformSet, len(r.publishers))
	for p := range r.publishers {
		set[p] = true
	}
	r.mu.RUnlock()
	return set.Enabled()
}
