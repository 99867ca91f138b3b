// Package attributes implements the session.AttributeStore
// collaborator: per-device core attributes (claim code, system
// version, ip, etc.), cached with an expiry the way the teacher's own
// metadata cache is built on patrickmn/go-cache.
package attributes

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	defaultExpiration = 24 * time.Hour
	cleanupInterval   = 2 * defaultExpiration
)

// Store is the concrete session.AttributeStore, keyed by device id
// with each device's attributes held as its own map value.
type Store struct {
	cache *cache.Cache
}

// New builds an empty Store.
func New() *Store {
	return &Store{cache: cache.New(defaultExpiration, cleanupInterval)}
}

// GetCoreAttributes returns the cached attribute map for deviceID, an
// empty map if nothing has been recorded yet.
func (s *Store) GetCoreAttributes(deviceID string) (map[string]string, error) {
	raw, found := s.cache.Get(deviceID)
	if !found {
		return map[string]string{}, nil
	}
	attrs, ok := raw.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("attributes: corrupt cache entry for %s", deviceID)
	}
	// callers mutate the map they asked for; hand back a copy so two
	// callers can't race on the cached map underneath the cache's lock.
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

// SetCoreAttribute records one key/value under deviceID, creating the
// device's attribute map on first write.
func (s *Store) SetCoreAttribute(deviceID, key, value string) error {
	raw, found := s.cache.Get(deviceID)
	var attrs map[string]string
	if found {
		existing, ok := raw.(map[string]string)
		if !ok {
			return fmt.Errorf("attributes: corrupt cache entry for %s", deviceID)
		}
		attrs = make(map[string]string, len(existing)+1)
		for k, v := range existing {
			attrs[k] = v
		}
	} else {
		attrs = make(map[string]string, 1)
	}
	attrs[key] = value
	s.cache.Set(deviceID, attrs, cache.DefaultExpiration)
	return nil
}
