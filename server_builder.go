package wren

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synqronlabs/wren/dns"
)

// ServerBuilder provides a fluent API for configuring a Server.
type ServerBuilder struct {
	config  ServerConfig
	filters []ConnectFilter
}

// New returns a builder for a server announcing hostname. Settings not
// given keep the defaults of DefaultServerConfig.
func New(hostname string) *ServerBuilder {
	config := DefaultServerConfig()
	config.Hostname = hostname
	return &ServerBuilder{config: config}
}

// Addr sets the address to listen on (e.g., ":25", "127.0.0.1:2525").
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// Backlog sets the listen queue length.
func (b *ServerBuilder) Backlog(n int) *ServerBuilder {
	b.config.Backlog = n
	return b
}

// SoftwareName sets the name shown in the greeting and Received headers.
func (b *ServerBuilder) SoftwareName(name string) *ServerBuilder {
	b.config.SoftwareName = name
	return b
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// Metrics registers the server's collectors with reg.
func (b *ServerBuilder) Metrics(reg prometheus.Registerer) *ServerBuilder {
	b.config.MetricsRegisterer = reg
	return b
}

// TLS enables STARTTLS.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// HideTLS stops STARTTLS from being advertised in EHLO.
func (b *ServerBuilder) HideTLS() *ServerBuilder {
	b.config.HideTLS = true
	return b
}

// RequireTLS rejects mail commands until STARTTLS has completed.
func (b *ServerBuilder) RequireTLS() *ServerBuilder {
	b.config.RequireTLS = true
	return b
}

// Timeout sets the idle timeout of a connection.
func (b *ServerBuilder) Timeout(d time.Duration) *ServerBuilder {
	b.config.ConnectionTimeout = d
	return b
}

// MaxMessageSize sets the maximum message size in bytes (advertised via
// SIZE).
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

// MaxRecipients sets the maximum recipients per transaction.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

// MaxConnections sets the maximum concurrent sessions.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

// MaxLineLength sets the maximum command line length.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.config.MaxLineLength = n
	return b
}

// Auth enables AUTH with the given factory.
func (b *ServerBuilder) Auth(factory AuthenticationHandlerFactory) *ServerBuilder {
	b.config.AuthenticationHandlerFactory = factory
	return b
}

// AuthFunc enables AUTH PLAIN and LOGIN checked by fn.
func (b *ServerBuilder) AuthFunc(fn func(ctx context.Context, username, password string, mc MessageContext) error) *ServerBuilder {
	return b.Auth(NewEasyAuthenticationHandlerFactory(UsernamePasswordValidatorFunc(fn)))
}

// RequireAuth rejects mail commands until AUTH has succeeded.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.config.RequireAuth = true
	return b
}

// Handler sets the factory receiving mail transactions.
func (b *ServerBuilder) Handler(factory MessageHandlerFactory) *ServerBuilder {
	b.config.MessageHandlerFactory = factory
	return b
}

// HandlerFunc sets the message handler factory from a function.
func (b *ServerBuilder) HandlerFunc(fn func(mc MessageContext) MessageHandler) *ServerBuilder {
	return b.Handler(MessageHandlerFactoryFunc(fn))
}

// DisableReceivedHeaders stops Received headers from being added.
func (b *ServerBuilder) DisableReceivedHeaders() *ServerBuilder {
	b.config.DisableReceivedHeaders = true
	return b
}

// Resolver sets the resolver used to name clients in Received headers.
func (b *ServerBuilder) Resolver(r dns.Resolver) *ServerBuilder {
	b.config.Resolver = r
	return b
}

// DisableReverseDNS skips the client name lookup.
func (b *ServerBuilder) DisableReverseDNS() *ServerBuilder {
	b.config.DisableReverseDNS = true
	return b
}

// OnConnect adds filters run before the greeting, in order.
func (b *ServerBuilder) OnConnect(filters ...ConnectFilter) *ServerBuilder {
	b.filters = append(b.filters, filters...)
	return b
}

// OnDisconnect sets the hook run after a session ends.
func (b *ServerBuilder) OnDisconnect(fn func(ctx context.Context, mc MessageContext)) *ServerBuilder {
	b.config.OnDisconnect = fn
	return b
}

// Command adds or replaces commands.
func (b *ServerBuilder) Command(cmds ...Command) *ServerBuilder {
	b.config.Commands = append(b.config.Commands, cmds...)
	return b
}

// SessionIDFunc sets the generator of session ids.
func (b *ServerBuilder) SessionIDFunc(fn func() string) *ServerBuilder {
	b.config.SessionIDFunc = fn
	return b
}

// Config returns the configuration built so far.
func (b *ServerBuilder) Config() ServerConfig {
	config := b.config
	if len(b.filters) > 0 {
		config.OnConnect = ChainConnectFilters(b.filters...)
	}
	return config
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	return NewServer(b.Config())
}

// Run builds the server and serves until it is shut down.
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}
