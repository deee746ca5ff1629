package wren

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/synqronlabs/wren/dns"
	wrenio "github.com/synqronlabs/wren/io"
)

// Version is reported in the default software name.
const Version = "1.0.0"

// ServerConfig holds the settings of a Server. NewServer copies it, so
// changing a ServerConfig after the server is built has no effect on it.
//
// For a more readable setup use the builder:
//
//	server, err := wren.New("mx.example.com").
//	    Addr(":25").
//	    TLS(tlsConfig).
//	    Handler(factory).
//	    Build()
type ServerConfig struct {
	// Hostname is announced in the greeting, in EHLO and in Received
	// headers. Default: the OS host name, or "localhost".
	Hostname string

	// Addr is the listen address. Default: ":25".
	Addr string

	// Backlog is the listen queue length. Only honored on Linux.
	// Default: 50.
	Backlog int

	// SoftwareName follows ESMTP in the greeting and appears in Received
	// headers.
	SoftwareName string

	// ---- Limits ----

	// MaxConnections is the number of concurrent sessions. Clients beyond
	// it are greeted with a 421 and disconnected. Negative disables the
	// limit. Default: 1000.
	MaxConnections int

	// ConnectionTimeout bounds every read and write on a connection.
	// Default: 1 minute.
	ConnectionTimeout time.Duration

	// MaxRecipients per transaction. Negative disables the limit.
	// Default: 1000.
	MaxRecipients int

	// MaxMessageSize in bytes. When positive it is advertised with SIZE and
	// enforced during DATA.
	MaxMessageSize int64

	// MaxLineLength of a command line, CRLF excluded. Default: 998.
	MaxLineLength int

	// ---- TLS ----

	// TLSConfig enables STARTTLS. nil disables TLS.
	TLSConfig *tls.Config

	// HideTLS stops STARTTLS from being advertised; it remains usable.
	HideTLS bool

	// RequireTLS rejects mail commands until STARTTLS has completed.
	RequireTLS bool

	// ---- Authentication ----

	// AuthenticationHandlerFactory enables AUTH. nil disables it.
	AuthenticationHandlerFactory AuthenticationHandlerFactory

	// RequireAuth rejects MAIL, RCPT and DATA until AUTH has succeeded.
	RequireAuth bool

	// ---- Delivery ----

	// MessageHandlerFactory receives every mail transaction. Required.
	MessageHandlerFactory MessageHandlerFactory

	// DisableReceivedHeaders stops the Received trace header from being
	// prepended to message data.
	DisableReceivedHeaders bool

	// Resolver is used to name clients in Received headers. nil uses a
	// dns.DNSResolver with default settings; see also DisableReverseDNS.
	Resolver dns.Resolver

	// DisableReverseDNS skips the client name lookup.
	DisableReverseDNS bool

	// ---- Hooks and extension ----

	// OnConnect runs before the greeting. Returning an error refuses the
	// connection; a *RejectError selects the reply.
	OnConnect func(ctx context.Context, mc MessageContext) error

	// OnDisconnect runs after the session has been cleaned up.
	OnDisconnect func(ctx context.Context, mc MessageContext)

	// Commands are added to the command set, replacing built-in commands
	// of the same name.
	Commands []Command

	// SessionIDFunc returns the id of a new session. Default: a ULID.
	SessionIDFunc func() string

	// ---- Observability ----

	// Logger receives the server's structured logs. Default: slog.Default().
	Logger *slog.Logger

	// MetricsRegisterer receives the server's Prometheus collectors. When
	// nil they are kept but not registered.
	MetricsRegisterer prometheus.Registerer
}

// DefaultServerConfig returns a ServerConfig with every default filled in,
// except for the message handler factory.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Hostname:          defaultHostname(),
		Addr:              ":25",
		Backlog:           50,
		SoftwareName:      "Wren " + Version,
		MaxConnections:    1000,
		ConnectionTimeout: time.Minute,
		MaxRecipients:     1000,
		MaxLineLength:     wrenio.DefaultMaxLineLength,
		SessionIDFunc:     newSessionID,
		Logger:            slog.Default(),
	}
}

// withDefaults fills in zero fields.
func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Hostname == "" {
		c.Hostname = d.Hostname
	}
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Backlog == 0 {
		c.Backlog = d.Backlog
	}
	if c.SoftwareName == "" {
		c.SoftwareName = d.SoftwareName
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxRecipients == 0 {
		c.MaxRecipients = d.MaxRecipients
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = d.MaxLineLength
	}
	if c.SessionIDFunc == nil {
		c.SessionIDFunc = d.SessionIDFunc
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Resolver == nil && !c.DisableReverseDNS {
		c.Resolver = dns.NewResolver(dns.ResolverConfig{Timeout: 2 * time.Second})
	}
	return c
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// newSessionID returns a ULID: sortable by creation time and unique
// across sessions created in the same millisecond.
func newSessionID() string {
	return ulid.Make().String()
}
