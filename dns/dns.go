// Package dns provides the DNS lookups used while receiving mail: reverse
// lookups of connecting clients and the forward confirmation of the names
// they return.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrDNSNotFound = errors.New("dns: record not found")
	ErrDNSTimeout  = errors.New("dns: query timeout")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
)

// Result holds the records of one lookup.
type Result[T any] struct {
	Records []T

	// Authentic is true when the answer was DNSSEC validated.
	Authentic bool
}

// Resolver is implemented by DNSResolver and MockResolver.
type Resolver interface {
	// LookupAddr returns the PTR names for ip, as absolute names.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)

	// LookupIP returns the A and AAAA records of host.
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSBogus)
}

// IsTemporary reports whether retrying the lookup later may succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err)
}

// VerifiedName returns the first PTR name of ip that resolves back to ip
// (forward-confirmed reverse DNS), without the trailing dot. authentic is
// true when both lookups of that name were DNSSEC validated.
//
// A failed PTR lookup is returned as err. Failed forward lookups are
// skipped; if no name is confirmed, the last of them is returned. A name
// that resolves elsewhere gives "" and a nil error.
func VerifiedName(ctx context.Context, r Resolver, ip net.IP) (name string, authentic bool, err error) {
	if r == nil || ip == nil {
		return "", false, nil
	}

	ptr, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return "", false, err
	}

	var lastErr error
	for _, candidate := range ptr.Records {
		addrs, err := r.LookupIP(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			lastErr = err
			continue
		}
		for _, a := range addrs.Records {
			if a.Equal(ip) {
				return strings.TrimSuffix(candidate, "."), ptr.Authentic && addrs.Authentic, nil
			}
		}
	}
	return "", false, lastErr
}
