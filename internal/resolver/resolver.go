// Package resolver finds each user's match for the current day.
//
// Resolutions for the same user may overlap (a direct request racing a
// subscription-driven refresh). Every call takes a sequence number up front
// and its result is applied only if no later call has been applied already,
// so observers never see an older answer replace a newer one.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/profile"
	"github.com/whisper/daymatch/internal/store"
)

// Trigger records why a resolution ran.
type Trigger string

const (
	TriggerDirect       Trigger = "direct"
	TriggerSubscription Trigger = "subscription"
)

// Match is a resolved match seen from one user's side.
type Match struct {
	MatchID   string `json:"match_id"`
	PartnerID string `json:"partner_id"`
	MatchDate string `json:"match_date"`
}

// State is the latest applied resolution for a user.
type State struct {
	UserID     string
	Match      *Match        // nil when unmatched
	Partner    *profile.Card // filled in asynchronously; nil until loaded
	Err        error         // last resolution error; Match keeps the previous value
	Trigger    Trigger
	ResolvedAt time.Time
	Seq        uint64
}

// Store looks up a user's match row.
type Store interface {
	MatchForUser(ctx context.Context, userID, date string) (*store.Match, error)
}

// Enricher loads partner display metadata.
type Enricher interface {
	Get(ctx context.Context, userID string) (*profile.Card, error)
}

type listener struct {
	id int
	fn func(State)
}

type userState struct {
	issued    uint64
	state     State
	listeners []listener
}

// Resolver is shared by every session on a gateway.
type Resolver struct {
	store         Store
	enricher      Enricher
	cal           *calendar.Calendar
	clk           clockwork.Clock
	enrichTimeout time.Duration
	log           *zap.Logger

	mu     sync.Mutex
	users  map[string]*userState
	nextID int
}

// New creates a resolver. enricher may be nil.
func New(st Store, enricher Enricher, cal *calendar.Calendar, clk clockwork.Clock, enrichTimeout time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{
		store:         st,
		enricher:      enricher,
		cal:           cal,
		clk:           clk,
		enrichTimeout: enrichTimeout,
		log:           log.Named("resolver"),
		users:         make(map[string]*userState),
	}
}

// Resolve looks up today's match for userID. A nil match with a nil error
// means the user is unmatched today.
func (r *Resolver) Resolve(ctx context.Context, userID string, trigger Trigger) (*Match, error) {
	r.mu.Lock()
	us := r.user(userID)
	us.issued++
	seq := us.issued
	r.mu.Unlock()

	date := r.cal.Today()
	row, err := r.store.MatchForUser(ctx, userID, date)
	if err != nil {
		metrics.Resolutions.WithLabelValues(string(trigger), "error").Inc()
		err = fmt.Errorf("resolver: resolve %s on %s: %w", userID, date, err)
		r.apply(userID, seq, trigger, nil, err)
		return nil, err
	}

	var m *Match
	if row != nil {
		m = &Match{MatchID: row.ID, PartnerID: row.Partner(userID), MatchDate: row.MatchDate}
		metrics.Resolutions.WithLabelValues(string(trigger), "matched").Inc()
	} else {
		metrics.Resolutions.WithLabelValues(string(trigger), "unmatched").Inc()
	}

	if r.apply(userID, seq, trigger, m, nil) && m != nil && r.enricher != nil {
		go r.enrich(userID, m.PartnerID)
	}
	return m, nil
}

// State returns the latest applied state for userID.
func (r *Resolver) State(userID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if us, ok := r.users[userID]; ok {
		return us.state
	}
	return State{UserID: userID}
}

// Watch registers fn for userID's state changes. fn runs on the goroutine
// that applied the change and must not block. The returned func removes it.
func (r *Resolver) Watch(userID string, fn func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	us := r.user(userID)
	us.listeners = append(us.listeners, listener{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		us, ok := r.users[userID]
		if !ok {
			return
		}
		for i, l := range us.listeners {
			if l.id == id {
				us.listeners = append(us.listeners[:i], us.listeners[i+1:]...)
				break
			}
		}
	}
}

// Forget drops userID's state once nothing watches it.
func (r *Resolver) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if us, ok := r.users[userID]; ok && len(us.listeners) == 0 {
		delete(r.users, userID)
	}
}

func (r *Resolver) user(userID string) *userState {
	us, ok := r.users[userID]
	if !ok {
		us = &userState{state: State{UserID: userID}}
		r.users[userID] = us
	}
	return us
}

// apply installs a result unless a later call has already been applied.
func (r *Resolver) apply(userID string, seq uint64, trigger Trigger, m *Match, err error) bool {
	r.mu.Lock()
	us := r.user(userID)
	if seq <= us.state.Seq {
		r.mu.Unlock()
		r.log.Debug("dropping stale resolution", zap.String("user_id", userID), zap.Uint64("seq", seq))
		return false
	}

	next := us.state
	next.Seq = seq
	next.Trigger = trigger
	next.ResolvedAt = r.clk.Now()
	next.Err = err
	if err == nil {
		if m == nil || us.state.Match == nil || us.state.Match.PartnerID != m.PartnerID {
			next.Partner = nil
		}
		next.Match = m
	}
	us.state = next
	fns := us.listenerFuncs()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

func (r *Resolver) enrich(userID, partnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.enrichTimeout)
	defer cancel()

	card, err := r.enricher.Get(ctx, partnerID)
	if err != nil {
		r.log.Warn("partner enrichment failed",
			zap.String("user_id", userID), zap.String("partner_id", partnerID), zap.Error(err))
		return
	}

	r.mu.Lock()
	us, ok := r.users[userID]
	if !ok || us.state.Match == nil || us.state.Match.PartnerID != partnerID {
		r.mu.Unlock()
		return
	}
	us.state.Partner = card
	next := us.state
	fns := us.listenerFuncs()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func (us *userState) listenerFuncs() []func(State) {
	fns := make([]func(State), len(us.listeners))
	for i, l := range us.listeners {
		fns[i] = l.fn
	}
	return fns
}
