// Package ledger maintains the daily check-in record: one row per user per
// calendar day, idempotently upserted, queryable by recency.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amberlight-labs/haven/internal/storage"
)

// ErrValidation is returned when check-in input fails a precondition.
var ErrValidation = errors.New("validation failed")

// Accepted emotional tones. Anything else is coerced to neutral.
const (
	TonePositive = "positive"
	ToneNeutral  = "neutral"
	ToneNegative = "negative"
)

const (
	defaultHistoryLimit = 7
	maxHistoryLimit     = 30
	recentCacheSize     = 7
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CheckInStore defines the storage operations the ledger needs.
// Implemented by storage.Store.
type CheckInStore interface {
	UpsertCheckIn(c storage.CheckIn) error
	GetCheckIn(userID, day string) (storage.CheckIn, error)
	RecentCheckIns(userID string, limit int) ([]storage.CheckIn, error)
	LastCheckInDay(userID string) (string, error)
}

// Record is a check-in with its recommendations decoded.
type Record struct {
	ID              string
	UserID          string
	Day             string
	Tone            string
	Intensity       int
	Summary         string
	Recommendations []string
	CreatedAt       time.Time
}

// LocationFunc resolves the timezone a user's calendar day is computed in.
type LocationFunc func(userID string) *time.Location

// Ledger provides the daily check-in contract over the store, keeping an
// in-memory view of recent records for fast context lookup.
type Ledger struct {
	store    CheckInStore
	clock    Clock
	location LocationFunc

	mu     sync.RWMutex
	recent map[string][]Record // userID -> most recent first
}

// New creates a Ledger. location may be nil, in which days are computed in UTC.
func New(store CheckInStore, location LocationFunc) *Ledger {
	if location == nil {
		location = func(string) *time.Location { return time.UTC }
	}
	return &Ledger{
		store:    store,
		clock:    realClock{},
		location: location,
		recent:   make(map[string][]Record),
	}
}

// NewWithClock creates a Ledger with a custom clock (for testing).
func NewWithClock(store CheckInStore, location LocationFunc, clock Clock) *Ledger {
	l := New(store, location)
	l.clock = clock
	return l
}

// NormalizeTone lowercases the tone and coerces anything outside the accepted
// set to neutral.
func NormalizeTone(tone string) string {
	switch strings.ToLower(strings.TrimSpace(tone)) {
	case TonePositive:
		return TonePositive
	case ToneNegative:
		return ToneNegative
	default:
		return ToneNeutral
	}
}

// UpsertCheckIn records today's check-in for the user. A second call for the
// same day updates the existing record in place. Tone is normalized; an empty
// summary or nil recommendations fail validation with nothing written.
func (l *Ledger) UpsertCheckIn(userID, tone, summary string, intensity int, recommendations []string) (Record, error) {
	if strings.TrimSpace(summary) == "" {
		return Record{}, fmt.Errorf("%w: summary must not be empty", ErrValidation)
	}
	if recommendations == nil {
		return Record{}, fmt.Errorf("%w: recommendations must be a list", ErrValidation)
	}
	if intensity < 1 || intensity > 10 {
		intensity = 5
	}

	now := l.clock.Now()
	day := now.In(l.location(userID)).Format("2006-01-02")

	// An update in place keeps the row's original identifier; only a fresh
	// day mints a new one.
	id := uuid.New().String()
	switch existing, err := l.store.GetCheckIn(userID, day); {
	case err == nil:
		id = existing.ID
	case !errors.Is(err, storage.ErrNotFound):
		return Record{}, fmt.Errorf("loading existing check-in: %w", err)
	}

	rec := Record{
		ID:              id,
		UserID:          userID,
		Day:             day,
		Tone:            NormalizeTone(tone),
		Intensity:       intensity,
		Summary:         summary,
		Recommendations: recommendations,
		CreatedAt:       now.UTC(),
	}

	recsJSON, err := json.Marshal(rec.Recommendations)
	if err != nil {
		return Record{}, fmt.Errorf("marshalling recommendations: %w", err)
	}

	if err := l.store.UpsertCheckIn(storage.CheckIn{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Day:             rec.Day,
		Tone:            rec.Tone,
		Intensity:       rec.Intensity,
		Summary:         rec.Summary,
		Recommendations: string(recsJSON),
		CreatedAt:       rec.CreatedAt,
	}); err != nil {
		return Record{}, fmt.Errorf("upserting check-in: %w", err)
	}

	l.refreshRecent(rec.UserID)
	return rec, nil
}

// History returns up to limit check-ins, most recent day first. limit is
// clamped to 1..30; 0 means the default of 7. An empty history is not an error.
func (l *Ledger) History(userID string, limit int) ([]Record, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	rows, err := l.store.RecentCheckIns(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, decodeRecord(row))
	}
	return records, nil
}

// LastCheckInDate returns the most recent check-in day, or "" when none exists.
func (l *Ledger) LastCheckInDate(userID string) (string, error) {
	day, err := l.store.LastCheckInDay(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading last check-in day: %w", err)
	}
	return day, nil
}

// Recent returns the cached recent view for the user (most recent first).
// The slice is a copy; callers may not mutate ledger state through it.
func (l *Ledger) Recent(userID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cached := l.recent[userID]
	out := make([]Record, len(cached))
	copy(out, cached)
	return out
}

func (l *Ledger) refreshRecent(userID string) {
	rows, err := l.store.RecentCheckIns(userID, recentCacheSize)
	if err != nil {
		// Cache refresh is best-effort; the ledger row is already written.
		return
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, decodeRecord(row))
	}

	l.mu.Lock()
	l.recent[userID] = records
	l.mu.Unlock()
}

func decodeRecord(row storage.CheckIn) Record {
	rec := Record{
		ID:        row.ID,
		UserID:    row.UserID,
		Day:       row.Day,
		Tone:      row.Tone,
		Intensity: row.Intensity,
		Summary:   row.Summary,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Recommendations), &rec.Recommendations); err != nil {
		rec.Recommendations = nil
	}
	return rec
}
