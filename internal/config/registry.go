package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
)

// ErrProviderNotRegistered is returned by CreateTranscription when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps transcription provider names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	transcription map[string]func(ProviderEntry) (transcription.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcription: make(map[string]func(ProviderEntry) (transcription.Provider, error)),
	}
}

// RegisterTranscription registers a transcription provider factory under
// name. Subsequent calls with the same name overwrite the previous
// registration.
func (r *Registry) RegisterTranscription(name string, factory func(ProviderEntry) (transcription.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// CreateTranscription instantiates a transcription provider using the
// factory registered under entry.Name.
func (r *Registry) CreateTranscription(entry ProviderEntry) (transcription.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcription[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
