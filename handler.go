package wren

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
)

// MessageContext is the read-only view of a session given to handlers and
// hooks. One exists per accepted connection.
type MessageContext interface {
	SessionID() string
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Helo returns the name given with HELO or EHLO, or "".
	Helo() string

	// Hostname returns the server's own host name.
	Hostname() string

	IsTLS() bool

	// PeerCertificates returns the client certificate chain presented
	// during STARTTLS, if any.
	PeerCertificates() []*x509.Certificate

	// AuthenticationHandler returns the handler of the successful AUTH
	// exchange, or nil.
	AuthenticationHandler() AuthenticationHandler

	Logger() *slog.Logger
}

// MessageHandler receives one mail transaction.
//
// From, Recipient and Data may return a *RejectError to refuse the sender,
// one recipient, or the message; other errors end the session with a 421.
// Done is called exactly once when the transaction ends, whatever the
// outcome, including when the connection is lost.
type MessageHandler interface {
	From(ctx context.Context, from string) error
	Recipient(ctx context.Context, recipient string) error

	// Data receives the message. r returns io.EOF at the end of the
	// message; the handler does not need to read it all.
	Data(ctx context.Context, r io.Reader) error

	Done() error
}

// MessageHandlerFactory creates the handler of each mail transaction.
type MessageHandlerFactory interface {
	Create(mc MessageContext) MessageHandler
}

// MessageHandlerFactoryFunc adapts a function to MessageHandlerFactory.
type MessageHandlerFactoryFunc func(mc MessageContext) MessageHandler

func (f MessageHandlerFactoryFunc) Create(mc MessageContext) MessageHandler {
	return f(mc)
}
