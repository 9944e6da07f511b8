package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/log"
)

// Strategy picks how a pool spreads kernel starts across endpoints.
type Strategy string

const (
	// StrategyRoundRobin cycles endpoints in declaration order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom selects uniformly at random.
	StrategyRandom Strategy = "random"
	// StrategySticky pins a key (normally the notebook path) to one
	// endpoint so reruns of the same notebook land on the same gateway.
	StrategySticky Strategy = "sticky"
)

// Endpoint is one gateway in a pool.
type Endpoint struct {
	URL       string
	AuthToken string
}

// EndpointPool is a set of interchangeable gateways sharing a selection
// strategy.
type EndpointPool struct {
	Strategy  Strategy
	Endpoints []Endpoint
	// StickyTTL expires sticky assignments; zero means they never expire.
	StickyTTL time.Duration
}

// Validate checks the pool is usable.
func (p *EndpointPool) Validate() error {
	if len(p.Endpoints) == 0 {
		return errors.New("endpoint pool is empty")
	}
	switch p.Strategy {
	case StrategyRoundRobin, StrategyRandom, StrategySticky:
	case "":
		return errors.New("endpoint pool has no strategy")
	default:
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}

	seen := make(map[string]bool, len(p.Endpoints))
	for i, ep := range p.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoint %d has no URL", i)
		}
		if _, err := url.Parse(ep.URL); err != nil {
			return fmt.Errorf("endpoint %d: %w", i, err)
		}
		if seen[ep.URL] {
			return fmt.Errorf("duplicate endpoint %s", ep.URL)
		}
		seen[ep.URL] = true
	}
	return nil
}

// Warnings returns soft misconfigurations worth logging but not fatal.
func (p *EndpointPool) Warnings() []string {
	var warnings []string
	if p.Strategy == StrategySticky && p.StickyTTL == 0 {
		warnings = append(warnings, "sticky pool without a TTL keeps assignments for the whole process lifetime")
	}
	if len(p.Endpoints) == 1 && p.Strategy != StrategyRoundRobin {
		warnings = append(warnings, "single-endpoint pool makes the selection strategy irrelevant")
	}
	return warnings
}

// Selector assigns gateway endpoints to kernel starts.
// Safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	pool    EndpointPool
	rrIndex int64
	sticky  map[string]*stickyEntry
}

// stickyEntry holds a sticky assignment with optional expiry.
type stickyEntry struct {
	endpointIdx int
	expiresAt   *time.Time
}

// NewSelector validates the pool and returns a selector over it.
// Soft misconfigurations are logged as warnings.
func NewSelector(pool EndpointPool, logger *log.Logger) (*Selector, error) {
	if err := pool.Validate(); err != nil {
		return nil, fmt.Errorf("pool validation failed: %w", err)
	}
	for _, w := range pool.Warnings() {
		logger.Warn(w, nil)
	}

	return &Selector{
		pool:   pool,
		sticky: make(map[string]*stickyEntry),
	}, nil
}

// SelectRequest contains parameters for endpoint selection.
type SelectRequest struct {
	// StickyKey pins selection under the sticky strategy; the scheduler
	// passes the notebook path.
	StickyKey string
	// StrategyOverride optionally overrides the pool's strategy.
	StrategyOverride *Strategy
	// Commit determines whether to advance rotation state. When false,
	// returns what would be selected without mutating anything.
	Commit bool
}

// Select picks an endpoint from the pool.
func (s *Selector) Select(req SelectRequest) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strategy := s.pool.Strategy
	if req.StrategyOverride != nil {
		strategy = *req.StrategyOverride
	}

	var idx int
	var err error
	switch strategy {
	case StrategyRoundRobin:
		idx = s.selectRoundRobin(req.Commit)
	case StrategyRandom:
		idx, err = s.selectRandom()
	case StrategySticky:
		idx, err = s.selectSticky(req)
	default:
		return Endpoint{}, fmt.Errorf("unknown strategy %q", strategy)
	}
	if err != nil {
		return Endpoint{}, err
	}

	return s.pool.Endpoints[idx], nil
}

// selectRoundRobin advances the rotation counter only when commit is set.
func (s *Selector) selectRoundRobin(commit bool) int {
	idx := int(s.rrIndex % int64(len(s.pool.Endpoints)))
	if commit {
		s.rrIndex++
	}
	return idx
}

// selectRandom selects uniformly at random.
func (s *Selector) selectRandom() (int, error) {
	n := len(s.pool.Endpoints)
	if n == 1 {
		return 0, nil
	}

	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}
	return int(bigIdx.Int64()), nil
}

// selectSticky reuses the key's live assignment or makes a new one,
// stored only when the request commits.
func (s *Selector) selectSticky(req SelectRequest) (int, error) {
	if req.StickyKey == "" {
		return 0, errors.New("sticky selection requires a sticky key")
	}

	now := time.Now()
	if entry, ok := s.sticky[req.StickyKey]; ok {
		if entry.expiresAt == nil || entry.expiresAt.After(now) {
			return entry.endpointIdx, nil
		}
		// Entry expired, remove it
		delete(s.sticky, req.StickyKey)
	}

	// New assignments start random so keys spread across the pool.
	idx, err := s.selectRandom()
	if err != nil {
		return 0, err
	}

	if req.Commit {
		entry := &stickyEntry{endpointIdx: idx}
		if ttl := s.pool.StickyTTL; ttl > 0 {
			expiresAt := now.Add(ttl)
			entry.expiresAt = &expiresAt
		}
		s.sticky[req.StickyKey] = entry
	}
	return idx, nil
}

// PoolStats describes selector state for diagnostics.
type PoolStats struct {
	RoundRobinIndex int64
	StickyEntries   int
}

// Stats returns current selector state.
func (s *Selector) Stats() PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PoolStats{
		RoundRobinIndex: s.rrIndex,
		StickyEntries:   len(s.sticky),
	}
}

// CleanExpiredSticky removes expired sticky assignments. Call
// periodically on long-lived selectors to prevent unbounded growth.
func (s *Selector) CleanExpiredSticky() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.sticky {
		if entry.expiresAt != nil && entry.expiresAt.Before(now) {
			delete(s.sticky, key)
		}
	}
}

// PoolProvisioner provisions sessions across an endpoint pool, one
// client per endpoint.
type PoolProvisioner struct {
	selector *Selector
	clients  map[string]*Client
}

// NewPoolProvisioner builds a provisioner over the pool. Endpoint auth
// tokens override the base config's token; everything else in base
// (kernel name, timeout, retries) applies to every endpoint.
func NewPoolProvisioner(pool EndpointPool, base Config, logger *log.Logger) (*PoolProvisioner, error) {
	sel, err := NewSelector(pool, logger)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*Client, len(pool.Endpoints))
	for _, ep := range pool.Endpoints {
		cfg := base
		cfg.URL = ep.URL
		if ep.AuthToken != "" {
			cfg.AuthToken = ep.AuthToken
		}
		c, err := New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.URL, err)
		}
		clients[ep.URL] = c
	}

	return &PoolProvisioner{selector: sel, clients: clients}, nil
}

// Provision selects an endpoint for the sticky key and starts a session
// on it.
func (p *PoolProvisioner) Provision(ctx context.Context, stickyKey string) (*kernel.Session, error) {
	ep, err := p.selector.Select(SelectRequest{StickyKey: stickyKey, Commit: true})
	if err != nil {
		return nil, &StartError{Err: fmt.Errorf("select endpoint: %w", err)}
	}
	return p.clients[ep.URL].Provision(ctx)
}

// Stats returns selector state for diagnostics.
func (p *PoolProvisioner) Stats() PoolStats {
	return p.selector.Stats()
}

// Close releases all endpoint clients.
func (p *PoolProvisioner) Close() error {
	for _, c := range p.clients {
		_ = c.Close()
	}
	return nil
}
