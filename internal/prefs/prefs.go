// Package prefs provides cached, validated access to per-user settings:
// agent name, model provider, daily check-in time, and timezone.
package prefs

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/amberlight-labs/haven/internal/storage"
)

// ErrValidation is returned when a supplied preference value fails a
// precondition. Nothing is written when validation fails.
var ErrValidation = errors.New("validation failed")

// Preference keys as stored.
const (
	keyAgentName     = "agent_name"
	keyModelProvider = "model_provider"
	keyCheckInTime   = "check_in_time"
	keyTimezone      = "timezone"
)

// Defaults used when no row exists or a read fails.
const (
	DefaultAgentName     = "Sage"
	DefaultModelProvider = "workers-ai"
	DefaultCheckInTime   = "09:00"
	DefaultTimezone      = "UTC"
)

const maxAgentNameLen = 50

var checkInTimeRe = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Providers is the closed set of accepted model providers.
var Providers = []string{"workers-ai", "openai", "anthropic", "google"}

// PrefStore defines the storage operations the Service needs.
// Implemented by storage.Store.
type PrefStore interface {
	SetPref(userID, key, value string) error
	GetPref(userID, key string) (string, error)
	AllPrefs(userID string) (map[string]string, error)
}

// Preferences is a read-only snapshot of a user's settings.
type Preferences struct {
	AgentName     string
	ModelProvider string
	CheckInTime   string
	Timezone      string
}

// Service reads and writes user preferences, keeping a write-through cache so
// reads never touch storage on the hot path. Reads never fail: any storage
// error degrades to the documented default.
type Service struct {
	store  PrefStore
	logger *slog.Logger

	mu     sync.RWMutex
	cached map[string]map[string]string // userID -> key -> value
}

// NewService creates a preference service over the given store.
func NewService(store PrefStore) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		cached: make(map[string]map[string]string),
	}
}

// get resolves one preference through the fallback chain: cache, then stored
// row, then the supplied default. Storage failures are logged and degrade to
// the default rather than surfacing.
func (s *Service) get(userID, key, fallback string) string {
	s.mu.RLock()
	if user, ok := s.cached[userID]; ok {
		if v, ok := user[key]; ok {
			s.mu.RUnlock()
			return v
		}
	}
	s.mu.RUnlock()

	v, err := s.store.GetPref(userID, key)
	if err != nil || v == "" {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("preference read failed, using default", "user_id", userID, "key", key, "error", err)
		}
		return fallback
	}

	s.mu.Lock()
	s.cacheLocked(userID, key, v)
	s.mu.Unlock()
	return v
}

// set validates nothing; callers validate first. The row write and the cache
// update happen under one lock so concurrent readers never observe the row
// updated but the cache stale.
func (s *Service) set(userID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetPref(userID, key, value); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	s.cacheLocked(userID, key, value)
	return nil
}

func (s *Service) cacheLocked(userID, key, value string) {
	user, ok := s.cached[userID]
	if !ok {
		user = make(map[string]string)
		s.cached[userID] = user
	}
	user[key] = value
}

// AgentName returns the user's configured agent name, or the default.
func (s *Service) AgentName(userID string) string {
	return s.get(userID, keyAgentName, DefaultAgentName)
}

// UpdateAgentName validates and persists a new agent name.
func (s *Service) UpdateAgentName(userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: agent name must not be empty", ErrValidation)
	}
	if len(name) > maxAgentNameLen {
		return fmt.Errorf("%w: agent name exceeds %d characters", ErrValidation, maxAgentNameLen)
	}
	return s.set(userID, keyAgentName, name)
}

// ModelProvider returns the user's configured model provider, or the default.
func (s *Service) ModelProvider(userID string) string {
	return s.get(userID, keyModelProvider, DefaultModelProvider)
}

// UpdateModelProvider validates the provider against the closed enum and persists it.
func (s *Service) UpdateModelProvider(userID, provider string) error {
	if !validProvider(provider) {
		return fmt.Errorf("%w: unknown model provider %q", ErrValidation, provider)
	}
	return s.set(userID, keyModelProvider, provider)
}

// CheckInTime returns the user's daily check-in time as "HH:MM".
func (s *Service) CheckInTime(userID string) string {
	return s.get(userID, keyCheckInTime, DefaultCheckInTime)
}

// UpdateCheckInTime validates the HH:MM format and persists it. The previous
// value is untouched on validation failure.
func (s *Service) UpdateCheckInTime(userID, hhmm string) error {
	if !checkInTimeRe.MatchString(hhmm) {
		return fmt.Errorf("%w: check-in time %q is not HH:MM", ErrValidation, hhmm)
	}
	return s.set(userID, keyCheckInTime, hhmm)
}

// Timezone returns the user's configured IANA timezone name.
func (s *Service) Timezone(userID string) string {
	return s.get(userID, keyTimezone, DefaultTimezone)
}

// UpdateTimezone validates that the zone loads and persists it.
func (s *Service) UpdateTimezone(userID, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrValidation, tz)
	}
	return s.set(userID, keyTimezone, tz)
}

// Location returns the user's timezone as a loaded location, degrading to UTC.
func (s *Service) Location(userID string) *time.Location {
	loc, err := time.LoadLocation(s.Timezone(userID))
	if err != nil {
		return time.UTC
	}
	return loc
}

// Snapshot returns a read-only copy of the user's effective preferences.
func (s *Service) Snapshot(userID string) Preferences {
	return Preferences{
		AgentName:     s.AgentName(userID),
		ModelProvider: s.ModelProvider(userID),
		CheckInTime:   s.CheckInTime(userID),
		Timezone:      s.Timezone(userID),
	}
}

func validProvider(p string) bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}
