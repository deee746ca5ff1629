package wren

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/synqronlabs/wren/utils"
)

// ConnectFilter decides whether a new connection may proceed. It has the
// signature of ServerConfig.OnConnect.
type ConnectFilter func(ctx context.Context, mc MessageContext) error

// ChainConnectFilters runs filters in order and stops at the first error.
func ChainConnectFilters(filters ...ConnectFilter) func(ctx context.Context, mc MessageContext) error {
	return func(ctx context.Context, mc MessageContext) error {
		for _, f := range filters {
			if err := f(ctx, mc); err != nil {
				return err
			}
		}
		return nil
	}
}

func clientAddr(mc MessageContext) (netip.Addr, bool) {
	ip, err := utils.GetIPFromAddr(mc.RemoteAddr())
	if err != nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

// RateLimiter limits connections per client address over a fixed window.
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[netip.Addr]*rateLimitEntry
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit connections per address in every window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: make(map[netip.Addr]*rateLimitEntry),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow counts a connection from addr and reports whether it is within
// the limit.
func (rl *RateLimiter) Allow(addr netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > 2*rl.window {
		for a, entry := range rl.counts {
			if now.Sub(entry.windowStart) > rl.window {
				delete(rl.counts, a)
			}
		}
		rl.lastSweep = now
	}

	entry, ok := rl.counts[addr]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[addr] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Filter returns a ConnectFilter that drops clients over the limit.
func (rl *RateLimiter) Filter() ConnectFilter {
	return func(ctx context.Context, mc MessageContext) error {
		addr, ok := clientAddr(mc)
		if ok && !rl.Allow(addr) {
			return DropConnection(CodeServiceUnavailable, "Too many connections from your address, try again later").
				WithEnhancedCode("4.7.0")
		}
		return nil
	}
}

// IPFilterMode selects how an IPFilter treats its lists.
type IPFilterMode int

const (
	// IPFilterModeAllow admits only addresses in the allow list.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny admits every address not in the deny list.
	IPFilterModeDeny
)

// IPFilter admits or refuses clients by address or network.
type IPFilter struct {
	mu    sync.RWMutex
	allow []netip.Prefix
	deny  []netip.Prefix
	mode  IPFilterMode
}

func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Allow adds an address ("192.0.2.1") or network ("192.0.2.0/24") to the
// allow list.
func (f *IPFilter) Allow(s string) error {
	p, err := parsePrefix(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.allow = append(f.allow, p)
	f.mu.Unlock()
	return nil
}

// Deny adds an address or network to the deny list.
func (f *IPFilter) Deny(s string) error {
	p, err := parsePrefix(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.deny = append(f.deny, p)
	f.mu.Unlock()
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	return netip.ParsePrefix(s)
}

func matchAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether addr may connect.
func (f *IPFilter) IsAllowed(addr netip.Addr) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch f.mode {
	case IPFilterModeAllow:
		return matchAny(f.allow, addr)
	case IPFilterModeDeny:
		return !matchAny(f.deny, addr)
	}
	return true
}

// Filter returns a ConnectFilter that refuses addresses the filter does
// not allow.
func (f *IPFilter) Filter() ConnectFilter {
	return func(ctx context.Context, mc MessageContext) error {
		addr, ok := clientAddr(mc)
		if !ok || !f.IsAllowed(addr) {
			return DropConnection(CodeTransactionFailed, "Connection not allowed from your address").
				WithEnhancedCode("5.7.1")
		}
		return nil
	}
}
