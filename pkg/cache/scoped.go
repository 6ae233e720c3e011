package cache

// ScopedKeyer wraps a Keyer with a prefix so several projects or CI
// pipelines can share one backend (typically redis) without seeing each
// other's entries.
//
// Example usage:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "ci:frontend:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// TarballKey generates a prefixed tarball key.
func (k *ScopedKeyer) TarballKey(name, version, integrity string) string {
	return k.prefix + k.inner.TarballKey(name, version, integrity)
}
