package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// ProviderAdapter interface for provider-agnostic calendar sync
type ProviderAdapter interface {
	Name() models.Provider

	// FetchEvents returns every event overlapping [from, to], with pagination
	// exhausted and recurring series expanded. Failures are *apperrors.FetchError.
	FetchEvents(ctx context.Context, cred *auth.Credential, from, to time.Time) ([]calendar.RawEvent, error)

	// Normalize converts one fetched event.
	Normalize(raw calendar.RawEvent) (*models.NormalizedEvent, error)
}

// Registry maps providers to their adapters.
type Registry struct {
	adapters map[models.Provider]ProviderAdapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a ProviderAdapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider models.Provider) (ProviderAdapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return a, nil
}
