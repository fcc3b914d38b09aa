// Package worker abstracts the platform's background worker registration.
//
// The engine does not implement any network-interception policy itself; it
// only asks an existing registration to keep a set of URLs cached or to drop
// its cache, typically after a refresh has re-established server truth.
package worker

import "context"

// Registration is a handle to a platform worker that can cache URLs
// independently of this engine.
type Registration interface {
	// CacheURLs asks the worker to fetch and cache the given URLs.
	CacheURLs(ctx context.Context, urls []string) error

	// ClearCache asks the worker to drop its cached responses.
	ClearCache(ctx context.Context) error
}

// NopRegistration is used on platforms without a worker bridge.
type NopRegistration struct{}

// CacheURLs implements Registration.
func (NopRegistration) CacheURLs(ctx context.Context, urls []string) error { return nil }

// ClearCache implements Registration.
func (NopRegistration) ClearCache(ctx context.Context) error { return nil }
