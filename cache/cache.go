/*
Package cache holds the serving layer's time-bounded caches and run locks.

SETTINGS CACHE:

	Portal settings (the margin split) are read on every margin request and
	change rarely. Settings is a read-through cache over a Backend:

	  Get        -> backend hit, or load from the store and Set with TTL
	  Invalidate -> drop every key registered under a tag

	A missing or failing backend never fails a read; the loader is the
	source of truth. Concurrent misses are collapsed into one load. A load
	that overlaps a save does not write its result back to the backend.

BACKENDS:
  - MemoryBackend: process-local map, used in tests and single-instance runs
  - RedisBackend:  shared across instances (REDIS_ADDRESS)

RUN LOCKS:

	RunLock keeps two scheduler instances from running the same job at
	once. LocalRunLock covers one process, RedisRunLock covers a fleet.
*/
package cache

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/warp/iso-pricing/pricing"
)

const (
	// SettingsKey is the fixed key of the portal settings entry.
	SettingsKey = "portal:settings"

	// SettingsTag groups every key derived from portal settings.
	SettingsTag = "settings"

	DefaultTTL = 5 * time.Minute
)

// Backend stores opaque values with an expiry and tag membership.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	InvalidateTag(ctx context.Context, tag string) error
}

// PortalSettings is the cached view of the portal-wide settings.
type PortalSettings struct {
	MarginSplit pricing.MarginSplit `json:"margin_split"`
	Source      string              `json:"source"` // stored or default
}

// Settings is a read-through cache of PortalSettings. It implements
// pricing.SplitProvider.
type Settings struct {
	backend  Backend
	store    pricing.SettingsStore
	fallback pricing.MarginSplit
	ttl      time.Duration
	log      logrus.FieldLogger
	group    singleflight.Group
	version  atomic.Uint64 // bumped by every save
}

// NewSettings builds the cache. fallback is used while no split has been
// stored; ttl <= 0 means DefaultTTL.
func NewSettings(backend Backend, store pricing.SettingsStore, fallback pricing.MarginSplit, ttl time.Duration, log logrus.FieldLogger) *Settings {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Settings{
		backend:  backend,
		store:    store,
		fallback: fallback,
		ttl:      ttl,
		log:      log.WithField("component", "settings_cache"),
	}
}

// Get returns the settings, loading them on a miss.
func (s *Settings) Get(ctx context.Context) (PortalSettings, error) {
	if s.backend != nil {
		raw, ok, err := s.backend.Get(ctx, SettingsKey)
		if err != nil {
			s.log.WithError(err).Warn("settings cache read failed, loading from store")
		} else if ok {
			var ps PortalSettings
			if err := json.Unmarshal(raw, &ps); err == nil {
				return ps, nil
			}
			s.log.Warn("discarding undecodable settings cache entry")
		}
	}

	v, err, _ := s.group.Do(SettingsKey, func() (any, error) {
		return s.load(ctx)
	})
	if err != nil {
		return PortalSettings{}, err
	}
	return v.(PortalSettings), nil
}

func (s *Settings) load(ctx context.Context) (PortalSettings, error) {
	version := s.version.Load()
	stored, err := s.store.GetMarginSplit(ctx)
	if err != nil {
		return PortalSettings{}, pricing.Downstream("load portal settings", err)
	}
	ps := PortalSettings{MarginSplit: s.fallback, Source: "default"}
	if stored != nil {
		ps = PortalSettings{MarginSplit: *stored, Source: "stored"}
	}

	if s.backend != nil && s.version.Load() == version {
		raw, err := json.Marshal(ps)
		if err == nil {
			err = s.backend.Set(ctx, SettingsKey, raw, s.ttl, SettingsTag)
		}
		if err != nil {
			s.log.WithError(err).Warn("settings cache write failed")
		}
		if s.version.Load() != version {
			// A save landed between the check and the write.
			if err := s.Invalidate(ctx, SettingsTag); err != nil {
				s.log.WithError(err).Warn("settings cache invalidation failed")
			}
		}
	}
	return ps, nil
}

// Invalidate drops every entry registered under tag.
func (s *Settings) Invalidate(ctx context.Context, tag string) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.InvalidateTag(ctx, tag)
}

// MarginSplit implements pricing.SplitProvider.
func (s *Settings) MarginSplit(ctx context.Context) (pricing.MarginSplit, error) {
	ps, err := s.Get(ctx)
	if err != nil {
		return pricing.MarginSplit{}, err
	}
	return ps.MarginSplit, nil
}

// SaveMarginSplit validates and stores a new split, then invalidates the
// settings tag so the next read reloads it.
func (s *Settings) SaveMarginSplit(ctx context.Context, split pricing.MarginSplit) (pricing.MarginSplit, error) {
	if err := split.Validate(); err != nil {
		return pricing.MarginSplit{}, err
	}
	split = split.Normalize()
	if err := s.store.SaveMarginSplit(ctx, split); err != nil {
		return pricing.MarginSplit{}, pricing.Downstream("save margin split", err)
	}
	s.version.Add(1)
	s.group.Forget(SettingsKey)
	if err := s.Invalidate(ctx, SettingsTag); err != nil {
		// The stale entry expires with its TTL.
		s.log.WithError(err).Warn("settings cache invalidation failed")
	}
	return split, nil
}
