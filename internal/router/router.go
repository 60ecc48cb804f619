// Package router selects a target session for a job's recipient (spec.md
// §4.C). It supports sticky, health-based, least-loaded, round-robin, and
// random strategies, with sticky as the dispatcher's default.
//
// Grounded on internal/service/freemodels/service.go's cache-plus-scoring
// style (a mutex-guarded in-memory cache refreshed by an external fetch,
// selection narrowed by a scoring function), generalized from model
// selection to session selection.
package router

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/antiban/dispatcher/internal/domain"
)

// Strategy selects among healthy candidates.
type Strategy string

const (
	StrategySticky      Strategy = "sticky"
	StrategyHealthBased Strategy = "health-based"
	StrategyLeastLoaded Strategy = "least-loaded"
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyRandom      Strategy = "random"
)

// ErrNoSessionsAvailable is returned when no candidate session exists at all.
var ErrNoSessionsAvailable = errors.New("no sessions available")

const stickyTTL = 24 * time.Hour

type stickyEntry struct {
	sessionID string
	expiresAt time.Time
}

// Router holds the in-memory sticky map (spec.md §5: "the sticky map inside
// the router, mutated by the routing loop, read by the routing loop").
type Router struct {
	mu     sync.Mutex
	sticky map[string]stickyEntry
	rrIdx  int
}

// New builds an empty Router.
func New() *Router {
	return &Router{sticky: make(map[string]stickyEntry)}
}

// Select picks a session for recipient phone among sessions, honoring
// preferred/fromNumber hints and falling back to strategy.
func (r *Router) Select(sessions []domain.Session, recipientPhone string, prefs domain.RoutingPreferences, strategy Strategy) (domain.Session, error) {
	healthy := filterHealthy(sessions)
	candidates := healthy
	if len(candidates) == 0 {
		candidates = filterConnected(sessions)
	}
	if len(candidates) == 0 {
		return domain.Session{}, ErrNoSessionsAvailable
	}

	if prefs.PreferredSession != "" {
		if s, ok := findByID(candidates, prefs.PreferredSession); ok {
			r.refreshSticky(recipientPhone, s.SessionID)
			return s, nil
		}
	}
	if prefs.FromNumber != "" {
		if s, ok := findByPhone(candidates, prefs.FromNumber); ok {
			r.refreshSticky(recipientPhone, s.SessionID)
			return s, nil
		}
	}

	switch strategy {
	case StrategyHealthBased:
		return r.selectHealthBased(candidates, recipientPhone)
	case StrategyLeastLoaded:
		return selectLeastLoaded(candidates), nil
	case StrategyRoundRobin:
		return r.selectRoundRobin(candidates), nil
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategySticky, "":
		return r.selectSticky(candidates, recipientPhone)
	default:
		return r.selectSticky(candidates, recipientPhone)
	}
}

func (r *Router) selectSticky(candidates []domain.Session, recipientPhone string) (domain.Session, error) {
	r.mu.Lock()
	entry, ok := r.sticky[recipientPhone]
	r.mu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if s, found := findByID(candidates, entry.sessionID); found {
			r.refreshSticky(recipientPhone, s.SessionID)
			return s, nil
		}
	}

	chosen := selectLeastLoaded(candidates)
	r.refreshSticky(recipientPhone, chosen.SessionID)
	return chosen, nil
}

func (r *Router) selectHealthBased(candidates []domain.Session, recipientPhone string) (domain.Session, error) {
	r.mu.Lock()
	entry, hasSticky := r.sticky[recipientPhone]
	r.mu.Unlock()

	var best domain.Session
	bestScore := -1.0
	now := time.Now()
	for _, s := range candidates {
		score := 100.0 - minF(float64(s.MessageCount)/10.0, 30.0) - 10.0*float64(s.RecentErrors)
		if s.LastPing != nil && now.Sub(*s.LastPing) > 120*time.Second {
			score -= 20
		}
		if hasSticky && entry.sessionID == s.SessionID && now.Before(entry.expiresAt) {
			score += 20
		}
		score += rand.Float64() * 10
		if score > bestScore {
			bestScore = score
			best = s
		}
	}
	r.refreshSticky(recipientPhone, best.SessionID)
	return best, nil
}

func (r *Router) selectRoundRobin(candidates []domain.Session) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := candidates[r.rrIdx%len(candidates)]
	r.rrIdx++
	return s
}

func (r *Router) refreshSticky(recipientPhone, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky[recipientPhone] = stickyEntry{sessionID: sessionID, expiresAt: time.Now().Add(stickyTTL)}
}

// Sweep drops expired sticky entries. Intended to run hourly.
func (r *Router) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for phone, e := range r.sticky {
		if now.After(e.expiresAt) {
			delete(r.sticky, phone)
		}
	}
}

// StickyCount reports the number of tracked sticky entries, for diagnostics.
func (r *Router) StickyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sticky)
}

func selectLeastLoaded(candidates []domain.Session) domain.Session {
	best := candidates[0]
	for _, s := range candidates[1:] {
		if s.MessageCount < best.MessageCount {
			best = s
		}
	}
	return best
}

func filterHealthy(sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == domain.SessionConnected && !s.Banned && !s.RateLimited {
			out = append(out, s)
		}
	}
	return out
}

func filterConnected(sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == domain.SessionConnected {
			out = append(out, s)
		}
	}
	return out
}

func findByID(sessions []domain.Session, sessionID string) (domain.Session, bool) {
	for _, s := range sessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return domain.Session{}, false
}

func findByPhone(sessions []domain.Session, phone string) (domain.Session, bool) {
	for _, s := range sessions {
		if s.Phone == phone {
			return s, true
		}
	}
	return domain.Session{}, false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
