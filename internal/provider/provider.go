// Package provider queries third-party APIs for the state of jobs submitted by async nodes.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// PollResult is the normalized answer of one status query.
type PollResult struct {
	Status    Status
	ResultURL string
	Error     string
	// Transient marks errors raised below the API layer, e.g. a dropped connection.
	Transient bool
	// NotFound marks a job the provider no longer knows about.
	NotFound bool
}

// Provider reports the state of one external job.
type Provider interface {
	Name() string
	Poll(ctx context.Context, externalTaskID, apiKey string) PollResult
}

// Registry maps provider names, as stored in poll payloads, to clients.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	return p, nil
}
