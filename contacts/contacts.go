// Package contacts resolves human-entered identifiers (phone numbers or
// display names) to canonical routable addresses. Name lookups go through a
// wholesale-rebuilt cache with a short TTL; phone numbers normalize locally
// and never touch the cache.
package contacts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/msgrelay/bridge"
	"github.com/hazyhaar/msgrelay/clock"
)

// ErrInvalidContact reports that an identifier could not be resolved.
// Callers must treat it as "not found", not as a transient condition.
var ErrInvalidContact = errors.New("contacts: invalid contact")

const (
	defaultTTL     = 5 * time.Minute
	defaultRetries = 3
	defaultSuffix  = "@s.whatsapp.net"
)

// Lister fetches the full address book. Implemented by bridge.Manager.
type Lister interface {
	ListContacts(ctx context.Context) ([]bridge.Contact, error)
}

type cacheEntry struct {
	nameToAddress map[string]string
	builtAt       time.Time
}

// Resolver maps identifiers to addresses. The cache is replaced wholesale on
// rebuild, never patched, so readers never observe a partial map.
type Resolver struct {
	lister      Lister
	countryCode string
	suffix      string
	ttl         time.Duration
	retries     int
	retryDelay  func(attempt int) time.Duration
	clk         clock.Clock
	log         *slog.Logger

	cache     atomic.Pointer[cacheEntry]
	rebuildMu sync.Mutex
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithTTL sets the cache lifetime. Default: 5 minutes.
func WithTTL(d time.Duration) Option { return func(r *Resolver) { r.ttl = d } }

// WithRetries bounds the address-book fetch retries. Default: 3.
func WithRetries(n int) Option { return func(r *Resolver) { r.retries = n } }

// WithRetryDelay overrides the per-attempt backoff. Default: attempt * 1s.
func WithRetryDelay(f func(attempt int) time.Duration) Option {
	return func(r *Resolver) { r.retryDelay = f }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clk = c } }

// WithLogger sets the structured logger. Default: discard.
func WithLogger(log *slog.Logger) Option { return func(r *Resolver) { r.log = log } }

// WithAddressSuffix sets the suffix appended to normalized phone numbers.
func WithAddressSuffix(s string) Option { return func(r *Resolver) { r.suffix = s } }

// NewResolver builds a Resolver. countryCode is the prefix assumed for bare
// 10-digit numbers.
func NewResolver(lister Lister, countryCode string, opts ...Option) *Resolver {
	r := &Resolver{
		lister:      lister,
		countryCode: countryCode,
		suffix:      defaultSuffix,
		ttl:         defaultTTL,
		retries:     defaultRetries,
		retryDelay:  func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		clk:         clock.Real(),
		log:         slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps an identifier to a canonical address. Phone-shaped input
// normalizes directly; anything else is an exact case-insensitive display
// name lookup. Near-matches are logged but never returned.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrInvalidContact
	}

	if digits, ok := NormalizePhone(identifier, r.countryCode); ok {
		return digits + r.suffix, nil
	}

	key := strings.ToLower(identifier)

	seen := r.cache.Load()
	if seen != nil && r.clk.Now().Sub(seen.builtAt) <= r.ttl {
		if addr, ok := seen.nameToAddress[key]; ok {
			return addr, nil
		}
		// a miss on a fresh cache still rebuilds, in case the contact was
		// added since the last build
	}

	entry, err := r.rebuild(ctx, seen)
	if err != nil {
		return "", err
	}
	if addr, ok := entry.nameToAddress[key]; ok {
		return addr, nil
	}

	r.logNearMatches(key, entry)
	return "", ErrInvalidContact
}

// Clear drops the cache. Called on new-session and auth-failure events.
func (r *Resolver) Clear() {
	r.cache.Store(nil)
}

// rebuild fetches the address book with bounded retries and swaps in a
// complete new cache. seen is the entry the caller observed before deciding
// to rebuild; a newer fresh entry swapped in meanwhile is reused instead of
// fetching again.
func (r *Resolver) rebuild(ctx context.Context, seen *cacheEntry) (*cacheEntry, error) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	if entry := r.cache.Load(); entry != nil && entry != seen && r.clk.Now().Sub(entry.builtAt) <= r.ttl {
		return entry, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		list, err := r.lister.ListContacts(ctx)
		if err == nil {
			m := make(map[string]string, len(list))
			for _, c := range list {
				if c.Name == "" {
					continue
				}
				m[strings.ToLower(c.Name)] = c.Address
			}
			entry := &cacheEntry{nameToAddress: m, builtAt: r.clk.Now()}
			r.cache.Store(entry)
			r.log.Debug("contact cache rebuilt", "entries", len(m))
			return entry, nil
		}

		lastErr = err
		r.log.Warn("contact fetch failed", "attempt", attempt, "error", err)
		if attempt < r.retries {
			select {
			case <-r.clk.After(r.retryDelay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, errors.Join(ErrInvalidContact, lastErr)
}

func (r *Resolver) logNearMatches(key string, entry *cacheEntry) {
	var near []string
	for name := range entry.nameToAddress {
		if strings.Contains(name, key) || strings.Contains(key, name) {
			near = append(near, name)
		}
	}
	if len(near) > 0 {
		r.log.Info("no exact contact match, near matches not auto-resolved",
			"query", key, "near_matches", near)
	}
}

// NormalizePhone canonicalizes a phone-shaped identifier to bare digits with
// a country prefix:
//
//	10 digits            -> countryCode + digits
//	12 digits            -> as-is
//	"+" and 12 digits    -> the 12 digits
//
// Anything else is not a phone number.
func NormalizePhone(s, countryCode string) (string, bool) {
	if strings.HasPrefix(s, "+") {
		rest := s[1:]
		if len(rest) == 12 && allDigits(rest) {
			return rest, true
		}
		return "", false
	}
	if !allDigits(s) {
		return "", false
	}
	switch len(s) {
	case 10:
		return countryCode + s, true
	case 12:
		return s, true
	}
	return "", false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
