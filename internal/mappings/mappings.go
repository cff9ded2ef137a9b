// Package mappings links opaque block references to the origin content they
// were saved in, with a read-through cache in front of the store.
package mappings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/gopersonalize/internal/store"
	"github.com/TimurManjosov/gopersonalize/internal/telemetry"
)

// DefaultCacheSize is the number of mappings kept when none is configured.
const DefaultCacheSize = 10_000

// Service reads and writes block mappings. Reads are cached by block ref;
// every write that removes mappings clears the cache before returning.
type Service struct {
	store store.MappingStore
	cache *ristretto.Cache[string, store.Mapping]
	group singleflight.Group
	log   zerolog.Logger

	// gen changes on every invalidation so that fills started before it
	// never repopulate the cache with removed entries. fillMu orders fills
	// against invalidations.
	gen    atomic.Uint64
	fillMu sync.Mutex
}

// New builds a Service caching up to size mappings.
func New(st store.MappingStore, size int64, log zerolog.Logger) (*Service, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, store.Mapping]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mapping cache: %w", err)
	}
	return &Service{
		store: st,
		cache: cache,
		log:   log.With().Str("component", "mappings").Logger(),
	}, nil
}

// Save inserts one mapping.
func (s *Service) Save(ctx context.Context, m store.Mapping) error {
	if m.BlockRef == "" || m.PostRef == "" {
		return fmt.Errorf("mapping requires a block ref and a post ref")
	}
	if m.MapType == "" {
		m.MapType = store.MapTypeBlockEditor
	}
	if err := s.store.InsertMapping(ctx, m); err != nil {
		return err
	}
	s.cache.Del(m.BlockRef)
	return nil
}

// SaveAll inserts the mappings in order and stops at the first failure.
// Mappings inserted before the failure are kept.
func (s *Service) SaveAll(ctx context.Context, ms []store.Mapping) error {
	for _, m := range ms {
		if err := s.Save(ctx, m); err != nil {
			return fmt.Errorf("save mapping %s: %w", m.BlockRef, err)
		}
	}
	return nil
}

// Get returns the mapping of ref. Concurrent misses for the same ref share one
// store read.
func (s *Service) Get(ctx context.Context, ref string) (store.Mapping, bool, error) {
	if m, ok := s.cache.Get(ref); ok {
		telemetry.MappingCache.WithLabelValues("hit").Inc()
		return m, true, nil
	}
	telemetry.MappingCache.WithLabelValues("miss").Inc()

	gen := s.gen.Load()
	v, err, _ := s.group.Do(ref, func() (any, error) {
		found, err := s.store.GetMappings(ctx, []string{ref})
		if err != nil {
			return nil, err
		}
		s.fill(gen, found)
		return found, nil
	})
	if err != nil {
		return store.Mapping{}, false, err
	}
	found, ok := v.(map[string]store.Mapping)
	if !ok {
		return store.Mapping{}, false, fmt.Errorf("unexpected mapping lookup result %T", v)
	}
	m, ok := found[ref]
	return m, ok, nil
}

// GetMany returns the mappings found for refs. Refs missing from the cache
// are read from the store in one batch.
func (s *Service) GetMany(ctx context.Context, refs []string) (map[string]store.Mapping, error) {
	result := make(map[string]store.Mapping, len(refs))
	var misses []string
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if m, ok := s.cache.Get(ref); ok {
			telemetry.MappingCache.WithLabelValues("hit").Inc()
			result[ref] = m
			continue
		}
		telemetry.MappingCache.WithLabelValues("miss").Inc()
		misses = append(misses, ref)
	}
	if len(misses) == 0 {
		return result, nil
	}

	gen := s.gen.Load()
	found, err := s.store.GetMappings(ctx, misses)
	if err != nil {
		return nil, err
	}
	s.fill(gen, found)
	for ref, m := range found {
		result[ref] = m
	}
	return result, nil
}

func (s *Service) fill(gen uint64, found map[string]store.Mapping) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	for ref, m := range found {
		s.cache.Set(ref, m, 1)
	}
	s.cache.Wait()
}

// DeleteByOrigin removes every mapping of postRef and clears the cache.
func (s *Service) DeleteByOrigin(ctx context.Context, postRef string) (int, error) {
	n, err := s.store.DeleteMappingsByOrigin(ctx, postRef)
	s.invalidate()
	if err != nil {
		return 0, err
	}
	s.log.Debug().Str("post_ref", postRef).Int("deleted", n).Msg("mappings deleted")
	return n, nil
}

// Check reports store.ErrDuplicateMapping when ms repeats a block ref or
// uses one mapped by an origin other than postRef. It changes nothing.
func (s *Service) Check(ctx context.Context, postRef string, ms []store.Mapping) error {
	refs := make([]string, 0, len(ms))
	seen := make(map[string]bool, len(ms))
	for _, m := range ms {
		if seen[m.BlockRef] {
			return fmt.Errorf("%w: %s appears more than once", store.ErrDuplicateMapping, m.BlockRef)
		}
		seen[m.BlockRef] = true
		refs = append(refs, m.BlockRef)
	}
	if len(refs) == 0 {
		return nil
	}
	existing, err := s.store.GetMappings(ctx, refs)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if m, ok := existing[ref]; ok && m.PostRef != postRef {
			return fmt.Errorf("%w: %s belongs to %s", store.ErrDuplicateMapping, ref, m.PostRef)
		}
	}
	return nil
}

// Replace swaps the mappings of postRef for ms: Check, then DeleteByOrigin
// followed by SaveAll. Nothing is deleted when Check fails.
func (s *Service) Replace(ctx context.Context, postRef string, ms []store.Mapping) error {
	if err := s.Check(ctx, postRef, ms); err != nil {
		if errors.Is(err, store.ErrDuplicateMapping) {
			s.log.Warn().Err(err).Str("post_ref", postRef).Msg("block ref already mapped")
		}
		return err
	}
	if _, err := s.DeleteByOrigin(ctx, postRef); err != nil {
		return err
	}
	for i := range ms {
		ms[i].PostRef = postRef
	}
	return s.SaveAll(ctx, ms)
}

func (s *Service) invalidate() {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.gen.Add(1)
	s.cache.Clear()
}

// Close releases the cache.
func (s *Service) Close() {
	s.cache.Close()
}
