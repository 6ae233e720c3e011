// Package observability provides hooks for metrics and tracing of installs.
//
// Hooks keep the install core free of any particular metrics backend. The
// binary (or an embedding program) registers implementations at startup and
// the core reports events through them:
//   - InstallHooks: plan, extraction, lifecycle script and run events
//   - CacheHooks: content cache hits, misses and writes
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetInstallHooks(&myInstallHooks{})
//	    observability.SetCacheHooks(&myCacheHooks{})
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Install().OnExtractStart(ctx, id)
//	// ... extract ...
//	observability.Install().OnExtractComplete(ctx, id, size, duration, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Install Hooks
// =============================================================================

// InstallHooks receives events from an install run. Package identities are
// passed as "name@version".
type InstallHooks interface {
	// Plan events
	OnPlanBuilt(ctx context.Context, pkgCount int, duration time.Duration, err error)

	// Extraction events; called from worker goroutines.
	OnExtractStart(ctx context.Context, pkg string)
	OnExtractComplete(ctx context.Context, pkg string, size int, duration time.Duration, err error)

	// Lifecycle script events
	OnScriptStart(ctx context.Context, pkg, event string)
	OnScriptComplete(ctx context.Context, pkg, event string, exitCode int, duration time.Duration, err error)

	// Run completion
	OnInstallComplete(ctx context.Context, pkgCount, failures int, duration time.Duration, err error)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from content cache reads and writes.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopInstallHooks is a no-op implementation of InstallHooks.
type NoopInstallHooks struct{}

func (NoopInstallHooks) OnPlanBuilt(context.Context, int, time.Duration, error)              {}
func (NoopInstallHooks) OnExtractStart(context.Context, string)                             {}
func (NoopInstallHooks) OnExtractComplete(context.Context, string, int, time.Duration, error) {}
func (NoopInstallHooks) OnScriptStart(context.Context, string, string)                      {}
func (NoopInstallHooks) OnScriptComplete(context.Context, string, string, int, time.Duration, error) {
}
func (NoopInstallHooks) OnInstallComplete(context.Context, int, int, time.Duration, error) {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)      {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)     {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int) {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	installHooks InstallHooks = NoopInstallHooks{}
	cacheHooks   CacheHooks   = NoopCacheHooks{}
	hooksMu      sync.RWMutex
)

// SetInstallHooks registers custom install hooks.
// This should be called once at application startup before any install runs.
func SetInstallHooks(h InstallHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		installHooks = h
	}
}

// SetCacheHooks registers custom cache hooks.
// This should be called once at application startup before any cache operations.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// Install returns the registered install hooks.
func Install() InstallHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return installHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	installHooks = NoopInstallHooks{}
	cacheHooks = NoopCacheHooks{}
}
