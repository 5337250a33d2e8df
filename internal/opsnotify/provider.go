// Package opsnotify e-mails operators when an alert fails terminally. It
// keeps a registry of e-mail providers with a primary and ordered fallbacks.
package opsnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when no configured provider is registered.
var ErrNoProvider = errors.New("no configured email provider available")

// EmailRequest is one e-mail.
type EmailRequest struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    string
}

// Provider sends e-mail through one backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *EmailRequest) error
	IsConfigured() bool
}

// Registry holds providers and picks one per send.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
	log       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{providers: make(map[string]Provider), log: log}
}

// Register adds p.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.log.Info("Registered email provider", zap.String("name", p.Name()), zap.Bool("configured", p.IsConfigured()))
}

// SetPrimary selects the provider tried first.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the providers tried, in order, when the primary fails.
func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
	}
	r.fallback = names
	return nil
}

// candidates returns configured providers, primary first.
func (r *Registry) candidates() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	seen := make(map[string]bool)
	for _, name := range append([]string{r.primary}, r.fallback...) {
		p, ok := r.providers[name]
		if !ok || seen[name] || !p.IsConfigured() {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	return out
}

// Send tries the primary provider, then each fallback. It returns the
// primary's error when every provider fails.
func (r *Registry) Send(ctx context.Context, req *EmailRequest) error {
	providers := r.candidates()
	if len(providers) == 0 {
		return ErrNoProvider
	}
	var firstErr error
	for _, p := range providers {
		err := p.Send(ctx, req)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		r.log.Warn("Email provider failed", zap.String("provider", p.Name()), zap.Error(err))
	}
	return firstErr
}
