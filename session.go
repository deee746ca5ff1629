package wren

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	wrenio "github.com/synqronlabs/wren/io"
)

// Session is the protocol state of one client connection. It is owned by
// the goroutine running it; only Quit may be called from elsewhere.
//
// Commands receive the *Session. Message handlers and hooks only see its
// read-only MessageContext view.
type Session struct {
	server   *Server
	config   *ServerConfig
	commands *CommandRegistry
	metrics  *metrics
	id       string
	logger   *slog.Logger

	// rawConn is the accepted socket, used to force the session closed.
	// conn is what the protocol runs over: timed, or TLS on top of it.
	rawConn net.Conn
	timed   net.Conn
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	lines   *wrenio.LineReader

	tlsStarted bool
	peerCerts  []*x509.Certificate

	helo string

	// Transaction state. A transaction is open iff handler is non-nil.
	sender          string
	recipientCount  int
	singleRecipient string
	declaredSize    int64
	handler         MessageHandler

	auth AuthenticationHandler

	clientName     string
	clientNameDone bool

	quitting  atomic.Bool
	closeOnce sync.Once
	lastCode  SMTPCode
	view      *sessionView
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		server:   srv,
		config:   &srv.config,
		commands: srv.commands,
		metrics:  srv.metrics,
		id:       srv.config.SessionIDFunc(),
		rawConn:  conn,
	}
	s.timed = &deadlineConn{Conn: conn, timeout: srv.config.ConnectionTimeout}
	s.setConn(s.timed)
	s.logger = srv.config.Logger.With(
		slog.String("session_id", s.id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	s.view = &sessionView{s: s}
	return s
}

func (s *Session) setConn(c net.Conn) {
	s.conn = c
	s.reader = bufio.NewReader(c)
	s.writer = bufio.NewWriter(c)
	s.lines = wrenio.NewLineReader(s.reader, s.config.MaxLineLength)
}

// deadlineConn pushes the read or write deadline forward before every
// call, so the timeout applies to idle time rather than to the session.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Reply sends resp to the client.
func (s *Session) Reply(resp Response) error {
	s.lastCode = resp.Code
	line := resp.String()
	s.logger.Debug("server reply", slog.String("line", line))
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}

// replyBestEffort sends resp, ignoring failures.
func (s *Session) replyBestEffort(resp Response) {
	if err := s.Reply(resp); err != nil {
		s.logger.Debug("failed to send reply", slog.Any("error", err))
	}
}

// ReadLine reads one line from the client, for commands that carry on a
// dialogue such as AUTH.
func (s *Session) ReadLine() (string, error) {
	return s.lines.ReadLine()
}

// Helo returns the name given with HELO or EHLO, or "".
func (s *Session) Helo() string { return s.helo }

func (s *Session) setHelo(host string) { s.helo = host }

// IsTLS reports whether STARTTLS has completed.
func (s *Session) IsTLS() bool { return s.tlsStarted }

// PeerCertificates returns the certificates the client presented during
// STARTTLS.
func (s *Session) PeerCertificates() []*x509.Certificate { return s.peerCerts }

// IsAuthenticated reports whether AUTH has succeeded.
func (s *Session) IsAuthenticated() bool { return s.auth != nil }

// AuthenticationHandler returns the handler of the successful AUTH, or nil.
func (s *Session) AuthenticationHandler() AuthenticationHandler { return s.auth }

func (s *Session) authMechanisms() []string {
	if s.config.AuthenticationHandlerFactory == nil {
		return nil
	}
	return s.config.AuthenticationHandlerFactory.Mechanisms()
}

// InTransaction reports whether a mail transaction is open.
func (s *Session) InTransaction() bool { return s.handler != nil }

// StartTransaction opens a mail transaction and creates its message
// handler.
func (s *Session) StartTransaction() error {
	if s.handler != nil {
		return ErrTransactionInProgress
	}
	h := s.config.MessageHandlerFactory.Create(s.view)
	if h == nil {
		return errors.New("smtp: message handler factory returned nil")
	}
	s.handler = h
	return nil
}

// ResetTransaction ends the open transaction, if any, and clears its
// state. HELO, TLS and authentication are kept.
func (s *Session) ResetTransaction() {
	h := s.handler
	s.handler = nil
	s.sender = ""
	s.recipientCount = 0
	s.singleRecipient = ""
	s.declaredSize = 0
	if h != nil {
		s.finishHandler(h)
	}
}

// ResetProtocol resets the transaction and forgets the HELO name.
func (s *Session) ResetProtocol() {
	s.ResetTransaction()
	s.helo = ""
}

// finishHandler calls Done. Its errors and panics are logged and dropped.
func (s *Session) finishHandler(h MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in message handler Done", slog.Any("panic", r))
		}
	}()
	if err := h.Done(); err != nil {
		s.logger.Warn("message handler Done failed", slog.Any("error", err))
	}
}

// Sender returns the MAIL FROM address of the open transaction.
func (s *Session) Sender() string { return s.sender }

func (s *Session) SetSender(from string) { s.sender = from }

// AddRecipient counts an accepted recipient.
func (s *Session) AddRecipient(to string) {
	s.recipientCount++
	if s.recipientCount == 1 {
		s.singleRecipient = to
	} else {
		s.singleRecipient = ""
	}
}

func (s *Session) RecipientCount() int { return s.recipientCount }

// SingleRecipient returns the recipient when exactly one was accepted,
// otherwise "".
func (s *Session) SingleRecipient() string { return s.singleRecipient }

// SetDeclaredMessageSize records the SIZE parameter of MAIL.
func (s *Session) SetDeclaredMessageSize(n int64) { s.declaredSize = n }

func (s *Session) DeclaredMessageSize() int64 { return s.declaredSize }

// Quit ends the session: the connection is closed and the command loop
// exits on its next read. It is safe to call from any goroutine.
func (s *Session) Quit() {
	s.quitting.Store(true)
	s.closeConn()
}

// IsQuitting reports whether Quit has been called.
func (s *Session) IsQuitting() bool { return s.quitting.Load() }

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.rawConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close connection", slog.Any("error", err))
		}
	})
}

// StartTLS runs the server side of a TLS handshake on the connection. The
// caller must already have sent the 220 reply.
func (s *Session) StartTLS(ctx context.Context) error {
	if s.handler != nil {
		return ErrTransactionInProgress
	}

	// Anything the client sent before the handshake was sent in the clear
	// and must not be read as if it came over TLS.
	if n := s.reader.Buffered(); n > 0 {
		_, _ = s.reader.Discard(n)
		s.logger.Warn("discarded plaintext sent after STARTTLS", slog.Int("bytes", n))
	}

	tlsConn := tls.Server(s.timed, s.config.TLSConfig)
	if timeout := s.config.ConnectionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", errTLSHandshake, err)
	}

	state := tlsConn.ConnectionState()
	s.setConn(tlsConn)
	s.peerCerts = state.PeerCertificates
	s.tlsStarted = true
	s.ResetProtocol()

	s.logger.Info("TLS started",
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
	)
	return nil
}

// View returns the read-only view of the session given to handlers.
func (s *Session) View() MessageContext { return s.view }

// sessionView implements MessageContext over a Session.
type sessionView struct {
	s *Session
}

func (v *sessionView) SessionID() string                     { return v.s.id }
func (v *sessionView) RemoteAddr() net.Addr                  { return v.s.rawConn.RemoteAddr() }
func (v *sessionView) LocalAddr() net.Addr                   { return v.s.rawConn.LocalAddr() }
func (v *sessionView) Helo() string                          { return v.s.helo }
func (v *sessionView) Hostname() string                      { return v.s.config.Hostname }
func (v *sessionView) IsTLS() bool                           { return v.s.tlsStarted }
func (v *sessionView) PeerCertificates() []*x509.Certificate { return v.s.peerCerts }
func (v *sessionView) Logger() *slog.Logger                  { return v.s.logger }

func (v *sessionView) AuthenticationHandler() AuthenticationHandler {
	return v.s.auth
}
