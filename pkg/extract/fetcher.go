package extract

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/matzehuels/cipm/pkg/cache"
	"github.com/matzehuels/cipm/pkg/errors"
	"github.com/matzehuels/cipm/pkg/observability"
	"github.com/matzehuels/cipm/pkg/plan"
)

// ErrIntegrity is returned when tarball content does not match the
// integrity string recorded in the lockfile.
var ErrIntegrity = stderrors.New("integrity mismatch")

// Fetcher retrieves the tarball bytes of a package version.
type Fetcher interface {
	Fetch(ctx context.Context, id plan.Identity) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id plan.Identity) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, id plan.Identity) ([]byte, error) {
	return f(ctx, id)
}

// CacheFetcher serves tarballs out of a content cache. Concurrent requests
// for the same key share one cache read.
type CacheFetcher struct {
	cache cache.Cache
	keyer cache.Keyer
	group singleflight.Group
}

// NewCacheFetcher creates a fetcher reading from c. A nil keyer uses
// [cache.DefaultKeyer].
func NewCacheFetcher(c cache.Cache, keyer cache.Keyer) *CacheFetcher {
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	return &CacheFetcher{cache: c, keyer: keyer}
}

// Fetch returns the tarball of id. A miss is a NOT_FOUND error wrapping
// [cache.ErrNotFound]; content that fails verification wraps [ErrIntegrity].
func (f *CacheFetcher) Fetch(ctx context.Context, id plan.Identity) ([]byte, error) {
	key := f.keyer.TarballKey(id.Name, id.Version, id.Integrity)
	v, err, _ := f.group.Do(key, func() (any, error) {
		var (
			data []byte
			hit  bool
		)
		err := cache.RetryWithBackoff(ctx, func() error {
			var err error
			data, hit, err = f.cache.Get(ctx, key)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !hit {
			observability.Cache().OnCacheMiss(ctx, "tarball")
			return nil, errors.Wrap(errors.ErrCodeNotFound, cache.ErrNotFound, "%s is not in the cache", id)
		}
		observability.Cache().OnCacheHit(ctx, "tarball")

		if err := Verify(data, id.Integrity); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Put verifies data against id's integrity and stores it.
func (f *CacheFetcher) Put(ctx context.Context, id plan.Identity, data []byte) error {
	if err := Verify(data, id.Integrity); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	key := f.keyer.TarballKey(id.Name, id.Version, id.Integrity)
	err := cache.RetryWithBackoff(ctx, func() error {
		return f.cache.Set(ctx, key, data, cache.TTLTarball)
	})
	if err != nil {
		return err
	}
	observability.Cache().OnCacheSet(ctx, "tarball", len(data))
	return nil
}

// algorithms lists supported SRI hash algorithms, strongest first.
var algorithms = []struct {
	name string
	new  func() hash.Hash
}{
	{"sha512", sha512.New},
	{"sha384", sha512.New384},
	{"sha256", sha256.New},
	{"sha1", sha1.New},
}

// Integrity returns the sha512 Subresource Integrity string of data.
func Integrity(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks data against an SRI string such as "sha512-<base64>".
// When the string lists several hashes, those of the strongest supported
// algorithm are checked and any one of them matching is enough. An empty
// string verifies nothing.
func Verify(data []byte, sri string) error {
	if strings.TrimSpace(sri) == "" {
		return nil
	}

	byAlgo := make(map[string][]string)
	for _, tok := range strings.Fields(sri) {
		algo, digest, ok := strings.Cut(tok, "-")
		if !ok {
			continue
		}
		digest, _, _ = strings.Cut(digest, "?")
		byAlgo[algo] = append(byAlgo[algo], digest)
	}

	for _, a := range algorithms {
		digests, ok := byAlgo[a.name]
		if !ok {
			continue
		}
		h := a.new()
		h.Write(data)
		got := base64.StdEncoding.EncodeToString(h.Sum(nil))
		for _, want := range digests {
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
				return nil
			}
		}
		return fmt.Errorf("%w: %s digest %s does not match", ErrIntegrity, a.name, got)
	}
	return fmt.Errorf("%w: no supported algorithm in %q", ErrIntegrity, sri)
}
