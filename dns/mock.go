package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver answers from static tables, for tests.
// PTR is keyed by IP string; A and AAAA by absolute name.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string

	// Fail lists lookups answered with ErrDNSServFail, as "ptr 192.0.2.1"
	// or "a host.example.".
	Fail []string

	AllAuthentic bool
}

var _ Resolver = MockResolver{}

func (r MockResolver) failing(kind, name string) bool {
	return slices.Contains(r.Fail, kind+" "+name)
}

func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	result := Result[string]{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	key := ip.String()
	if r.failing("ptr", key) {
		return result, ErrDNSServFail
	}

	names := r.PTR[key]
	if len(names) == 0 {
		return result, ErrDNSNotFound
	}
	for _, n := range names {
		result.Records = append(result.Records, ensureAbsolute(n))
	}
	return result, nil
}

func (r MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	result := Result[net.IP]{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	fqdn := ensureAbsolute(host)
	if r.failing("a", fqdn) || r.failing("aaaa", fqdn) {
		return result, ErrDNSServFail
	}

	for _, s := range r.A[fqdn] {
		result.Records = append(result.Records, net.ParseIP(s))
	}
	for _, s := range r.AAAA[fqdn] {
		result.Records = append(result.Records, net.ParseIP(s))
	}
	if len(result.Records) == 0 {
		return result, ErrDNSNotFound
	}
	return result, nil
}
