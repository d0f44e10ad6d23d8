// Package matchmaker computes the daily pairings. A run reads every user's
// top keyword histogram, greedily pairs users with the smallest difference
// score while honouring block relationships, and replaces the day's match
// rows.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/block"
	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/messaging"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/store"
)

// ErrNoKeywords is returned when every eligible user's histogram fetch
// failed, which is treated as a storage outage rather than an empty day.
var ErrNoKeywords = errors.New("matchmaker: every keyword fetch failed")

// Store is the persistence the matchmaker needs.
type Store interface {
	EligibleUserIDs(ctx context.Context) ([]string, error)
	TopKeywords(ctx context.Context, userID string, limit int) ([]store.KeywordCount, error)
	DeleteMatches(ctx context.Context, date string) (int64, error)
	InsertMatches(ctx context.Context, matches []store.Match) error
}

// BlockSource lists directed block relationships.
type BlockSource interface {
	Edges(ctx context.Context) ([]block.Edge, error)
}

// Publisher announces completed runs. May be nil.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Config holds matchmaker tuning.
type Config struct {
	TopN int // keywords per user considered
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TopN: 20}
}

// RunResult summarises one run. Zero pairs is a valid outcome.
type RunResult struct {
	Date      string        `json:"date"`
	Eligible  int           `json:"eligible"`
	Pairs     int           `json:"pairs"`
	Unmatched int           `json:"unmatched"`
	Skipped   int           `json:"skipped"`
	Replaced  int64         `json:"replaced"`
	Duration  time.Duration `json:"duration_ns"`
}

// Matchmaker runs the daily pairing.
type Matchmaker struct {
	store  Store
	blocks BlockSource
	pub    Publisher
	config Config
	log    *zap.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// New creates a matchmaker. rng drives shuffling and tie-breaks.
func New(st Store, blocks BlockSource, pub Publisher, rng *rand.Rand, config Config, log *zap.Logger) *Matchmaker {
	return &Matchmaker{
		store:  st,
		blocks: blocks,
		pub:    pub,
		config: config,
		log:    log.Named("matchmaker"),
		rng:    rng,
	}
}

// Run recomputes the pairings for date and replaces its rows. Per-user
// keyword fetch errors exclude that user. Storage failures abort the run;
// once the delete has been issued, a failed insert leaves the day empty.
func (m *Matchmaker) Run(ctx context.Context, date string) (*RunResult, error) {
	if !calendar.ValidDate(date) {
		return nil, fmt.Errorf("matchmaker: invalid date %q", date)
	}
	start := time.Now()
	log := m.log.With(zap.String("match_date", date))

	result, err := m.run(ctx, date, log)
	if err != nil {
		metrics.MatchRuns.WithLabelValues("failure").Inc()
		log.Error("run failed", zap.Error(err))
		return nil, err
	}
	result.Duration = time.Since(start)

	metrics.MatchRuns.WithLabelValues("success").Inc()
	metrics.MatchRunDuration.Observe(result.Duration.Seconds())
	metrics.MatchLastRun.WithLabelValues("eligible").Set(float64(result.Eligible))
	metrics.MatchLastRun.WithLabelValues("pairs").Set(float64(result.Pairs))
	metrics.MatchLastRun.WithLabelValues("unmatched").Set(float64(result.Unmatched))
	metrics.MatchLastRun.WithLabelValues("skipped").Set(float64(result.Skipped))

	log.Info("run complete",
		zap.Int("eligible", result.Eligible),
		zap.Int("pairs", result.Pairs),
		zap.Int("unmatched", result.Unmatched),
		zap.Int("skipped", result.Skipped),
		zap.Int64("replaced", result.Replaced),
		zap.Duration("duration", result.Duration))

	if m.pub != nil {
		if err := m.pub.PublishJSON(messaging.SubjectMatchRecomputed, result); err != nil {
			log.Warn("publish run summary", zap.Error(err))
		}
	}
	return result, nil
}

func (m *Matchmaker) run(ctx context.Context, date string, log *zap.Logger) (*RunResult, error) {
	edges, err := m.blocks.Edges(ctx)
	if err != nil {
		return nil, fmt.Errorf("matchmaker: load blocks: %w", err)
	}
	blocked := make(blockSet, len(edges))
	for _, e := range edges {
		blocked.add(e.Blocker, e.Blocked)
	}

	ids, err := m.store.EligibleUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("matchmaker: list users: %w", err)
	}

	histograms := make(map[string]Histogram, len(ids))
	skipped := 0
	for _, id := range ids {
		rows, err := m.store.TopKeywords(ctx, id, m.config.TopN)
		if err != nil {
			skipped++
			log.Warn("excluding user from run", zap.String("user_id", id), zap.Error(err))
			continue
		}
		h := make(Histogram, len(rows))
		for _, r := range rows {
			if r.Count > 0 {
				h[r.Keyword] = r.Count
			}
		}
		if len(h) > 0 {
			histograms[id] = h
		}
	}
	if len(ids) > 0 && skipped == len(ids) {
		return nil, ErrNoKeywords
	}

	m.mu.Lock()
	pairs := Compute(histograms, blocked.has, m.rng)
	m.mu.Unlock()

	rows := make([]store.Match, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, store.Match{
			ID:              uuid.NewString(),
			UserAID:         p.UserA,
			UserBID:         p.UserB,
			MatchDate:       date,
			SimilarityScore: p.Score,
		})
	}

	replaced, err := m.store.DeleteMatches(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("matchmaker: delete previous matches: %w", err)
	}
	if err := m.store.InsertMatches(ctx, rows); err != nil {
		return nil, fmt.Errorf("matchmaker: insert matches (%d previous rows already deleted): %w", replaced, err)
	}

	return &RunResult{
		Date:      date,
		Eligible:  len(histograms),
		Pairs:     len(pairs),
		Unmatched: len(histograms) - 2*len(pairs),
		Skipped:   skipped,
		Replaced:  replaced,
	}, nil
}
