package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	engine    map[string]func(EngineConfig) (engine.Provider, error)
	telephony map[string]func(TelephonyConfig) (telephony.Server, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engine:    make(map[string]func(EngineConfig) (engine.Provider, error)),
		telephony: make(map[string]func(TelephonyConfig) (telephony.Server, error)),
	}
}

// RegisterEngine registers a speech engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory func(EngineConfig) (engine.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine[name] = factory
}

// RegisterTelephony registers a telephony server factory under name.
func (r *Registry) RegisterTelephony(name string, factory func(TelephonyConfig) (telephony.Server, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telephony[name] = factory
}

// CreateEngine instantiates a speech engine using the factory registered
// under cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateEngine(cfg EngineConfig) (engine.Provider, error) {
	r.mu.RLock()
	factory, ok := r.engine[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateTelephony instantiates a telephony server using the factory
// registered under cfg.Provider.
func (r *Registry) CreateTelephony(cfg TelephonyConfig) (telephony.Server, error) {
	r.mu.RLock()
	factory, ok := r.telephony[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
