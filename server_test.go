package wren

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/synqronlabs/wren/dns"
)

// testClient is a simple SMTP client for integration testing.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) send(cmd string) {
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		c.t.Fatalf("Failed to send command %q: %v", cmd, err)
	}
}

func (c *testClient) sendRaw(data []byte) {
	_, err := c.conn.Write(data)
	if err != nil {
		c.t.Fatalf("Failed to send raw data: %v", err)
	}
}

func (c *testClient) readLine() string {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	return lines
}

func (c *testClient) expectCode(expectedCode int) string {
	line := c.readLine()
	code := 0
	fmt.Sscanf(line, "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %s", expectedCode, line)
	}
	return line
}

func (c *testClient) expectLine(want string) {
	if got := c.readLine(); got != want {
		c.t.Errorf("Expected %q, got %q", want, got)
	}
}

func (c *testClient) expectMultilineCode(expectedCode int) []string {
	lines := c.readMultiline()
	if len(lines) == 0 {
		c.t.Fatalf("Expected multiline response with code %d, got empty", expectedCode)
	}
	code := 0
	fmt.Sscanf(lines[len(lines)-1], "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %v", expectedCode, lines)
	}
	return lines
}

// expectClosed asserts that the server has closed the connection.
func (c *testClient) expectClosed() {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		c.t.Errorf("Expected connection to be closed, got %q", line)
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Errorf("Expected connection to be closed, read timed out")
	}
}

// hello reads the greeting and sends EHLO.
func (c *testClient) hello() {
	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)
}

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects debug log output written from session goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testMessage struct {
	from string
	to   []string
	data string
}

// testBackend is a MessageHandlerFactory recording what it receives.
type testBackend struct {
	mu       sync.Mutex
	messages []testMessage
	created  int
	done     int

	onFrom func(from string) error
	onRcpt func(to string) error
	onData func(r io.Reader) error
	onDone func() error
	views  []MessageContext
}

func (b *testBackend) Create(mc MessageContext) MessageHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	b.views = append(b.views, mc)
	return &testHandler{backend: b}
}

func (b *testBackend) Messages() []testMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]testMessage(nil), b.messages...)
}

func (b *testBackend) counts() (created, done int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created, b.done
}

// waitDone waits until Done has been called n times.
func (b *testBackend) waitDone(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, done := b.counts(); done >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	created, done := b.counts()
	if done != n {
		t.Errorf("Done called %d times (handlers created: %d), want %d", done, created, n)
	}
}

type testHandler struct {
	backend *testBackend
	msg     testMessage
}

func (h *testHandler) From(ctx context.Context, from string) error {
	if h.backend.onFrom != nil {
		if err := h.backend.onFrom(from); err != nil {
			return err
		}
	}
	h.msg.from = from
	return nil
}

func (h *testHandler) Recipient(ctx context.Context, to string) error {
	if h.backend.onRcpt != nil {
		if err := h.backend.onRcpt(to); err != nil {
			return err
		}
	}
	h.msg.to = append(h.msg.to, to)
	return nil
}

func (h *testHandler) Data(ctx context.Context, r io.Reader) error {
	if h.backend.onData != nil {
		return h.backend.onData(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.msg.data = string(data)
	h.backend.mu.Lock()
	h.backend.messages = append(h.backend.messages, h.msg)
	h.backend.mu.Unlock()
	return nil
}

func (h *testHandler) Done() error {
	h.backend.mu.Lock()
	h.backend.done++
	h.backend.mu.Unlock()
	if h.backend.onDone != nil {
		return h.backend.onDone()
	}
	return nil
}

// testServerConfig returns a ServerConfig with values suitable for testing.
func testServerConfig(backend *testBackend) ServerConfig {
	return ServerConfig{
		Hostname:               "test.example.com",
		MessageHandlerFactory:  backend,
		DisableReverseDNS:      true,
		DisableReceivedHeaders: true,
	}
}

// startTestServer starts a test server on a random port and returns the server and address.
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()

	config.Addr = "127.0.0.1:0"
	if config.Logger == nil {
		config.Logger = discardLogger()
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	return server, server.Addr().String()
}

// ============================================================================
// Basic SMTP Session Tests
// ============================================================================

func TestBasicSMTPSession(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()

	client.expectLine("220 test.example.com ESMTP Wren " + Version)

	client.send("HELO foo")
	client.expectLine("250 test.example.com")

	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("250 Ok")

	client.send("RCPT TO:<c@d.com>")
	client.expectLine("250 Ok")

	client.send("DATA")
	client.expectLine("354 End data with <CR><LF>.<CR><LF>")

	client.sendRaw([]byte("Subject: hi\r\n\r\ntest\r\n.\r\n"))
	client.expectLine("250 Ok")

	client.send("QUIT")
	client.expectLine("221 Bye")
	client.expectClosed()

	msgs := backend.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].from != "a@b.com" {
		t.Errorf("from = %q", msgs[0].from)
	}
	if len(msgs[0].to) != 1 || msgs[0].to[0] != "c@d.com" {
		t.Errorf("to = %v", msgs[0].to)
	}
	if msgs[0].data != "Subject: hi\r\n\r\ntest\r\n" {
		t.Errorf("data = %q", msgs[0].data)
	}
	backend.waitDone(t, 1)
}

func TestEHLOResponse(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.MaxMessageSize = 1024
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	want := []string{"250-test.example.com", "250-8BITMIME", "250-SIZE 1024", "250 Ok"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("EHLO response = %v, want %v", lines, want)
	}

	client.send("EHLO")
	client.expectLine("501 Syntax: EHLO hostname")
	client.send("HELO")
	client.expectLine("501 Syntax: HELO <hostname>")
}

func TestDotStuffing(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("..leading dot\r\nbare\n.\nnot the end\r\n.\r\n"))
	client.expectCode(250)

	msgs := backend.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if want := ".leading dot\r\nbare\n.\nnot the end\r\n"; msgs[0].data != want {
		t.Errorf("data = %q, want %q", msgs[0].data, want)
	}
}

func TestMultipleTransactions(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	for i := range 3 {
		client.send(fmt.Sprintf("MAIL FROM:<sender%d@example.com>", i))
		client.expectCode(250)
		client.send("RCPT TO:<rcpt@example.com>")
		client.expectCode(250)
		client.send("DATA")
		client.expectCode(354)
		client.sendRaw([]byte(fmt.Sprintf("Subject: %d\r\n\r\nbody\r\n.\r\n", i)))
		client.expectCode(250)
	}
	client.send("QUIT")
	client.expectCode(221)

	if n := len(backend.Messages()); n != 3 {
		t.Errorf("Expected 3 messages, got %d", n)
	}
	backend.waitDone(t, 3)
}

// ============================================================================
// Command Sequencing
// ============================================================================

func TestCommandSequence(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig(&testBackend{}))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	// Nothing that needs a transaction works without one.
	client.send("RCPT TO:<c@d.com>")
	client.expectLine("503 5.5.1 Error: need MAIL command")
	client.send("DATA")
	client.expectLine("503 5.5.1 Error: need MAIL command")
	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("503 5.5.1 Error: send HELO/EHLO first")

	client.send("HELO foo")
	client.expectCode(250)

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("503 5.5.1 Sender already specified")
	client.send("DATA")
	client.expectLine("503 5.5.1 Error: need RCPT command")
}

func TestMailAndRcptSyntax(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig(&testBackend{}))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	tests := []struct {
		cmd  string
		want string
	}{
		{"MAIL", "501 Syntax: MAIL FROM: <address>"},
		{"MAIL TO:<a@b.com>", "501 Syntax: MAIL FROM: <address>"},
		{"MAIL FROM:<a@b.com", "501 Syntax: MAIL FROM: <address>"},
		{"MAIL FROM:<not an address>", "553 5.1.3 Invalid sender address"},
		{"MAIL FROM:<jörg@example.com>", "553 5.6.7 Address contains non-ASCII characters"},
		{"MAIL FROM:<a@b.com> SIZE=abc", "501 5.5.4 Syntax: SIZE=<number>"},
		{"mail from:<a@b.com>", "250 Ok"},
		{"RCPT", "501 Syntax: RCPT TO: <address>"},
		{"RCPT TO:<>", "501 Syntax: RCPT TO: <address>"},
		{"RCPT TO:<bad address>", "553 5.1.3 Invalid recipient address"},
		{"RCPT TO: <c@d.com>", "250 Ok"},
	}
	for _, tt := range tests {
		client.send(tt.cmd)
		client.expectLine(tt.want)
	}
}

func TestNullSender(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<>")
	client.expectLine("250 Ok")
}

func TestRSETClearsTransaction(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)

	client.send("RSET")
	client.expectLine("250 Ok")
	backend.waitDone(t, 1)

	// The transaction is gone but HELO is kept.
	client.send("RCPT TO:<c@d.com>")
	client.expectLine("503 5.5.1 Error: need MAIL command")
	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("250 Ok")

	// RSET without a transaction is harmless.
	client.send("RSET")
	client.expectCode(250)
	client.send("RSET")
	client.expectCode(250)
	backend.waitDone(t, 2)
}

func TestHELOResetsTransaction(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("EHLO again.example.com")
	client.expectMultilineCode(250)
	backend.waitDone(t, 1)

	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("250 Ok")
}

func TestSimpleCommands(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig(&testBackend{}))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	tests := []struct {
		cmd  string
		want string
	}{
		{"NOOP", "250 Ok"},
		{"noop with args", "250 Ok"},
		{" NOOP", "250 Ok"},
		{"HELO\tfoo", "250 test.example.com"},
		{"\tFOO", `500 Command unrecognized: "FOO"`},
		{"   ", "500 Error: bad syntax"},
		{"VRFY postmaster", "502 VRFY command is disabled"},
		{"EXPN staff", "502 EXPN command is disabled"},
		{"FOO bar", `500 Command unrecognized: "FOO"`},
		{"", "500 Error: bad syntax"},
		{"STARTTLS", "454 4.7.0 TLS not supported"},
		{"AUTH PLAIN", "502 5.5.1 AUTH not supported"},
	}
	for _, tt := range tests {
		client.send(tt.cmd)
		client.expectLine(tt.want)
	}
}

// ============================================================================
// Limits
// ============================================================================

func TestMaxRecipients(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.MaxRecipients = 2
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<r1@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<r2@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<r3@example.com>")
	client.expectLine("452 4.5.3 Error: too many recipients")
}

func TestMessageSizeLimit(t *testing.T) {
	backend := &testBackend{}
	config := testServerConfig(backend)
	config.MaxMessageSize = 100
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com> SIZE=1000")
	client.expectLine("552 5.3.4 Message size exceeds fixed limit")

	client.send("MAIL FROM:<a@b.com> SIZE=50")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte(strings.Repeat("x", 200) + "\r\n.\r\n"))
	client.expectLine("552 5.3.4 Error: too much mail data")

	// The session continues and the transaction was reset.
	client.send("RCPT TO:<c@d.com>")
	client.expectLine("503 5.5.1 Error: need MAIL command")
	backend.waitDone(t, 1)

	if n := len(backend.Messages()); n != 0 {
		t.Errorf("Expected no messages, got %d", n)
	}
}

func TestLineLength(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig(&testBackend{}))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	// Exactly the maximum is accepted.
	client.send("NOOP " + strings.Repeat("x", 998-5))
	client.expectLine("250 Ok")

	client.send("NOOP " + strings.Repeat("x", 998-4))
	client.expectLine("501 Input line length is too long!")
	client.expectClosed()
}

// ============================================================================
// Framing
// ============================================================================

func TestBareLineFeed(t *testing.T) {
	tests := []struct {
		name string
		data string
		pos  int
	}{
		{"bare LF", "HELO foo\n", 8},
		{"bare LF at start", "\n", 0},
		{"CR without LF", "HELO\rfoo\r\n", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startTestServer(t, testServerConfig(&testBackend{}))

			client := newTestClient(t, addr)
			defer client.close()
			client.expectCode(220)

			client.sendRaw([]byte(tt.data))
			client.expectLine(fmt.Sprintf("501 Syntax error at character position %d. CR and LF must be CRLF paired.  See RFC 2821 #2.7.1.", tt.pos))
			client.expectClosed()
		})
	}
}

// ============================================================================
// Timeouts and Capacity
// ============================================================================

func TestIdleTimeout(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.ConnectionTimeout = 10 * time.Millisecond
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	time.Sleep(500 * time.Millisecond)
	client.expectLine("421 Timeout waiting for data from client.")
	client.expectClosed()
}

func TestTooManyConnections(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.MaxConnections = 2
	server, addr := startTestServer(t, config)

	var clients []*testClient
	for range 2 {
		c := newTestClient(t, addr)
		defer c.close()
		c.expectCode(220)
		clients = append(clients, c)
	}

	extra := newTestClient(t, addr)
	defer extra.close()
	extra.expectLine("421 Too many connections, try again later")
	extra.expectClosed()

	for _, c := range clients {
		c.send("NOOP")
		c.expectLine("250 Ok")
	}

	if got := testutil.ToFloat64(server.metrics.connectionsRejected); got != 1 {
		t.Errorf("rejected connections = %v, want 1", got)
	}
}

func TestUnlimitedConnections(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.MaxConnections = -1
	_, addr := startTestServer(t, config)

	for range 5 {
		c := newTestClient(t, addr)
		defer c.close()
		c.expectCode(220)
	}
}

// ============================================================================
// Handler Errors
// ============================================================================

func TestHandlerRejects(t *testing.T) {
	backend := &testBackend{
		onFrom: func(from string) error {
			if from == "spammer@example.com" {
				return Reject(CodeMailboxNotFound, "Sender refused").WithEnhancedCode("5.7.1")
			}
			return nil
		},
		onRcpt: func(to string) error {
			if to == "nobody@example.com" {
				return Reject(0, "")
			}
			return nil
		},
	}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<spammer@example.com>")
	client.expectLine("550 5.7.1 Sender refused")
	backend.waitDone(t, 1)

	// The rejected sender did not leave a transaction open.
	client.send("MAIL FROM:<friend@example.com>")
	client.expectLine("250 Ok")
	client.send("RCPT TO:<nobody@example.com>")
	client.expectLine("554 Transaction failed")

	// A rejected recipient is not counted.
	client.send("DATA")
	client.expectLine("503 5.5.1 Error: need RCPT command")
}

func TestDataReject(t *testing.T) {
	backend := &testBackend{
		onData: func(r io.Reader) error {
			return Reject(CodeTransactionFailed, "Message content rejected").WithEnhancedCode("5.7.1")
		},
	}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("Subject: x\r\n\r\nbody that is never read\r\n.\r\n"))
	client.expectLine("554 5.7.1 Message content rejected")

	// The unread body was drained, so the next command is understood.
	client.send("NOOP")
	client.expectLine("250 Ok")
	backend.waitDone(t, 1)
}

func TestDropConnection(t *testing.T) {
	backend := &testBackend{
		onRcpt: func(to string) error {
			return DropConnection(CodeServiceUnavailable, "Go away").WithEnhancedCode("4.7.0")
		},
	}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectLine("421 4.7.0 Go away")
	client.expectClosed()
	backend.waitDone(t, 1)
}

func TestUnexpectedHandlerError(t *testing.T) {
	backend := &testBackend{
		onFrom: func(from string) error { return errors.New("database unavailable") },
	}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectLine("421 4.3.0 Mail system failure, closing transmission channel")
	client.expectClosed()
	backend.waitDone(t, 1)
}

func TestCommandPanic(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.Commands = []Command{
		NewCommand("BOOM", "Panic.", "", func(ctx context.Context, args string, s *Session) error {
			panic("boom")
		}),
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("BOOM")
	client.expectLine("421 4.3.0 Mail system failure, closing transmission channel")
	client.expectClosed()

	// The server keeps serving other clients.
	other := newTestClient(t, addr)
	defer other.close()
	other.expectCode(220)
	other.send("NOOP")
	other.expectCode(250)
}

func TestDoneCalledOnDisconnect(t *testing.T) {
	backend := &testBackend{}
	server, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	client.hello()
	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.close()

	backend.waitDone(t, 1)

	deadline := time.Now().Add(5 * time.Second)
	for server.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d after disconnect", n)
	}
}

func TestDoneErrorIsIgnored(t *testing.T) {
	backend := &testBackend{
		onDone: func() error { return errors.New("cleanup failed") },
	}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()

	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RSET")
	client.expectLine("250 Ok")
	client.send("NOOP")
	client.expectLine("250 Ok")
}

// ============================================================================
// Hooks
// ============================================================================

func TestOnConnectReject(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.OnConnect = func(ctx context.Context, mc MessageContext) error {
		return Reject(CodeTransactionFailed, "No SMTP service here")
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectLine("554 No SMTP service here")
	client.expectClosed()
}

func TestOnDisconnectCalled(t *testing.T) {
	var mu sync.Mutex
	var gotID string
	disconnected := make(chan struct{})

	config := testServerConfig(&testBackend{})
	config.SessionIDFunc = func() string { return "session-1" }
	config.OnDisconnect = func(ctx context.Context, mc MessageContext) {
		mu.Lock()
		gotID = mc.SessionID()
		mu.Unlock()
		close(disconnected)
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("QUIT")
	client.expectCode(221)
	client.close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotID != "session-1" {
		t.Errorf("SessionID = %q", gotID)
	}
}

func TestMessageContext(t *testing.T) {
	backend := &testBackend{}
	_, addr := startTestServer(t, testServerConfig(backend))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("HELO client.example.com")
	client.expectCode(250)
	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)

	backend.mu.Lock()
	mc := backend.views[0]
	backend.mu.Unlock()

	if mc.Helo() != "client.example.com" {
		t.Errorf("Helo() = %q", mc.Helo())
	}
	if mc.Hostname() != "test.example.com" {
		t.Errorf("Hostname() = %q", mc.Hostname())
	}
	if mc.IsTLS() || mc.AuthenticationHandler() != nil || mc.PeerCertificates() != nil {
		t.Error("plain session reports TLS or authentication")
	}
	if mc.RemoteAddr().String() != client.conn.LocalAddr().String() {
		t.Errorf("RemoteAddr() = %v, want %v", mc.RemoteAddr(), client.conn.LocalAddr())
	}
	if len(mc.SessionID()) != 26 {
		t.Errorf("SessionID() = %q, want a ULID", mc.SessionID())
	}
}

// ============================================================================
// HELP
// ============================================================================

func TestHelp(t *testing.T) {
	_, addr := startTestServer(t, testServerConfig(&testBackend{}))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	client.send("HELP")
	lines := client.expectMultilineCode(214)
	if lines[0] != "214-This is the Wren "+Version+" server running on test.example.com" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[len(lines)-1] != "214 End of HELP info" {
		t.Errorf("last line = %q", lines[len(lines)-1])
	}
	// Header, Topics, 13 commands, hint, end.
	if len(lines) != 17 {
		t.Errorf("HELP returned %d lines: %v", len(lines), lines)
	}

	client.send("help mail")
	lines = client.expectMultilineCode(214)
	want := []string{
		"214-MAIL FROM: <sender> [ <parameters> ]",
		"214-    Start a mail transaction and name the sender.",
		"214 End of MAIL info",
	}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("HELP MAIL = %v, want %v", lines, want)
	}

	client.send("HELP nonsense")
	client.expectLine(`504 HELP topic "nonsense" unknown.`)
}

// ============================================================================
// Received header
// ============================================================================

func TestReceivedHeader(t *testing.T) {
	backend := &testBackend{}
	config := testServerConfig(backend)
	config.DisableReceivedHeaders = false
	config.DisableReverseDNS = false
	config.Resolver = dns.MockResolver{
		PTR: map[string][]string{"127.0.0.1": {"client.example.net."}},
		A:   map[string][]string{"client.example.net.": {"127.0.0.1"}},
	}
	config.SessionIDFunc = func() string { return "SESSIONID" }
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("EHLO bücher.example")
	client.expectMultilineCode(250)

	send := func(rcpts ...string) {
		client.send("MAIL FROM:<a@b.com>")
		client.expectCode(250)
		for _, r := range rcpts {
			client.send("RCPT TO:<" + r + ">")
			client.expectCode(250)
		}
		client.send("DATA")
		client.expectCode(354)
		client.sendRaw([]byte("Subject: x\r\n\r\nbody\r\n.\r\n"))
		client.expectCode(250)
	}
	send("one@example.com")
	send("one@example.com", "two@example.com")

	msgs := backend.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}

	first := msgs[0].data
	wantPrefix := "Received: from xn--bcher-kva.example (client.example.net [127.0.0.1])\r\n" +
		"        by test.example.com with ESMTP (Wren " + Version + ") id SESSIONID\r\n" +
		"        for <one@example.com>;\r\n        "
	if !strings.HasPrefix(first, wantPrefix) {
		t.Errorf("Received header =\n%s\nwant prefix\n%s", first, wantPrefix)
	}
	if !strings.HasSuffix(first, "\r\nSubject: x\r\n\r\nbody\r\n") {
		t.Errorf("message body not preserved: %q", first)
	}

	if strings.Contains(msgs[1].data, "for <") {
		t.Errorf("for clause present with two recipients: %q", msgs[1].data)
	}
}

func TestReceivedHeaderWithoutReverseName(t *testing.T) {
	backend := &testBackend{}
	config := testServerConfig(backend)
	config.DisableReceivedHeaders = false
	config.DisableReverseDNS = false
	config.Resolver = dns.MockResolver{
		// The PTR name does not resolve back to the client.
		PTR: map[string][]string{"127.0.0.1": {"forged.example.net."}},
		A:   map[string][]string{"forged.example.net.": {"192.0.2.1"}},
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()
	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("body\r\n.\r\n"))
	client.expectCode(250)

	msgs := backend.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].data, "Received: from client.example.com ([127.0.0.1])\r\n") {
		t.Errorf("Received header = %q", msgs[0].data)
	}
}

func TestReceivedHeaderLookupFailure(t *testing.T) {
	tests := []struct {
		name     string
		resolver dns.MockResolver
		wantLog  string
	}{
		{
			name:     "no PTR",
			resolver: dns.MockResolver{},
			wantLog:  "client has no verified name",
		},
		{
			name: "PTR server failure",
			resolver: dns.MockResolver{
				PTR:  map[string][]string{"127.0.0.1": {"client.example.net."}},
				Fail: []string{"ptr 127.0.0.1"},
			},
			wantLog: "client name lookup failed temporarily",
		},
		{
			name: "forward server failure",
			resolver: dns.MockResolver{
				PTR:  map[string][]string{"127.0.0.1": {"client.example.net."}},
				Fail: []string{"a client.example.net."},
			},
			wantLog: "client name lookup failed temporarily",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &testBackend{}
			logs := &logBuffer{}
			config := testServerConfig(backend)
			config.Logger = logs.logger()
			config.DisableReceivedHeaders = false
			config.DisableReverseDNS = false
			config.Resolver = tt.resolver
			_, addr := startTestServer(t, config)

			client := newTestClient(t, addr)
			defer client.close()
			client.hello()
			client.send("MAIL FROM:<a@b.com>")
			client.expectCode(250)
			client.send("RCPT TO:<c@d.com>")
			client.expectCode(250)
			client.send("DATA")
			client.expectCode(354)
			client.sendRaw([]byte("body\r\n.\r\n"))
			client.expectCode(250)

			msgs := backend.Messages()
			if len(msgs) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(msgs))
			}
			if !strings.HasPrefix(msgs[0].data, "Received: from client.example.com ([127.0.0.1])\r\n") {
				t.Errorf("Received header = %q", msgs[0].data)
			}
			if !strings.Contains(logs.String(), tt.wantLog) {
				t.Errorf("log does not contain %q:\n%s", tt.wantLog, logs.String())
			}
		})
	}
}

func TestReceivedHeaderVerifiedNameLogged(t *testing.T) {
	backend := &testBackend{}
	logs := &logBuffer{}
	config := testServerConfig(backend)
	config.Logger = logs.logger()
	config.DisableReceivedHeaders = false
	config.DisableReverseDNS = false
	config.Resolver = dns.MockResolver{
		PTR:          map[string][]string{"127.0.0.1": {"client.example.net."}},
		A:            map[string][]string{"client.example.net.": {"127.0.0.1"}},
		AllAuthentic: true,
	}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()
	client.hello()
	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("body\r\n.\r\n"))
	client.expectCode(250)

	if got := logs.String(); !strings.Contains(got, "client name verified") || !strings.Contains(got, "dnssec=true") {
		t.Errorf("log does not record the verified name:\n%s", got)
	}
}

// ============================================================================
// Server Lifecycle
// ============================================================================

func TestNewServerRequiresHandler(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); !errors.Is(err, ErrNoMessageHandler) {
		t.Errorf("NewServer() error = %v, want ErrNoMessageHandler", err)
	}
}

func TestNewServerRequireTLSWithoutConfig(t *testing.T) {
	config := testServerConfig(&testBackend{})
	config.RequireTLS = true
	if _, err := NewServer(config); !errors.Is(err, ErrTLSConfigRequired) {
		t.Errorf("NewServer() error = %v, want ErrTLSConfigRequired", err)
	}

	if _, err := New("test.example.com").RequireTLS().Handler(&testBackend{}).Build(); !errors.Is(err, ErrTLSConfigRequired) {
		t.Errorf("Build() error = %v, want ErrTLSConfigRequired", err)
	}
}

func TestServerStartsOnce(t *testing.T) {
	server, _ := startTestServer(t, testServerConfig(&testBackend{}))

	if err := server.Start(); !errors.Is(err, ErrServerStarted) {
		t.Errorf("second Start() = %v, want ErrServerStarted", err)
	}
	if err := server.ListenAndServe(); !errors.Is(err, ErrServerStarted) {
		t.Errorf("ListenAndServe() after Start = %v, want ErrServerStarted", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := server.Serve(l); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Close = %v, want ErrServerClosed", err)
	}
}

func TestServeReturnsAfterShutdown(t *testing.T) {
	server, err := NewServer(ServerConfig{
		MessageHandlerFactory: &testBackend{},
		Logger:                discardLogger(),
		DisableReverseDNS:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(l) }()

	client := newTestClient(t, l.Addr().String())
	defer client.close()
	client.expectCode(220)

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestShutdownEndsSessions(t *testing.T) {
	backend := &testBackend{}
	server, addr := startTestServer(t, testServerConfig(backend))

	var clients []*testClient
	for range 3 {
		c := newTestClient(t, addr)
		defer c.close()
		c.hello()
		clients = append(clients, c)
	}
	clients[0].send("MAIL FROM:<a@b.com>")
	clients[0].expectCode(250)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	for _, c := range clients {
		c.expectClosed()
	}
	if n := server.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d after Shutdown", n)
	}
	backend.waitDone(t, 1)

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("server still accepting after Shutdown")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	config := testServerConfig(&testBackend{})
	config.MetricsRegisterer = reg
	server, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	client.hello()
	client.send("MAIL FROM:<a@b.com>")
	client.expectCode(250)
	client.send("RCPT TO:<c@d.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("body\r\n.\r\n"))
	client.expectCode(250)
	client.send("BOGUS")
	client.expectCode(500)
	client.send("QUIT")
	client.expectCode(221)
	client.close()

	if got := testutil.ToFloat64(server.metrics.connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(server.metrics.messages.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(server.metrics.commands.WithLabelValues("MAIL", "250")); got != 1 {
		t.Errorf("MAIL 250 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(server.metrics.commands.WithLabelValues("UNKNOWN", "500")); got != 1 {
		t.Errorf("UNKNOWN 500 = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(reg, "wren_connections_total", "wren_commands_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Error("collectors not registered")
	}
}

func TestMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	newServer := func(addr string) *Server {
		t.Helper()
		config := testServerConfig(&testBackend{})
		config.Addr = addr
		config.MetricsRegisterer = reg
		server, err := NewServer(config)
		if err != nil {
			t.Fatalf("NewServer(%s) = %v", addr, err)
		}
		return server
	}

	first := newServer("127.0.0.1:2525")
	second := newServer("127.0.0.1:2526")
	again := newServer("127.0.0.1:2525")

	first.metrics.connections.Inc()
	second.metrics.connections.Inc()
	second.metrics.connections.Inc()

	if got := testutil.ToFloat64(again.metrics.connections); got != 1 {
		t.Errorf("same address connections = %v, want 1", got)
	}
	n, err := testutil.GatherAndCount(reg, "wren_connections_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Errorf("wren_connections_total series = %d, want 2", n)
	}

	expected := `
# HELP wren_connections_total Accepted SMTP connections.
# TYPE wren_connections_total counter
wren_connections_total{addr="127.0.0.1:2525"} 1
wren_connections_total{addr="127.0.0.1:2526"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "wren_connections_total"); err != nil {
		t.Error(err)
	}
}

func TestBuilder(t *testing.T) {
	backend := &testBackend{}
	server, err := New("builder.example.com").
		Addr("127.0.0.1:0").
		Logger(discardLogger()).
		SoftwareName("TestMTA").
		MaxRecipients(5).
		MaxMessageSize(2048).
		DisableReverseDNS().
		DisableReceivedHeaders().
		Handler(backend).
		Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer server.Close()

	cfg := server.Config()
	if cfg.MaxRecipients != 5 || cfg.MaxMessageSize != 2048 || cfg.MaxConnections != 1000 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	client := newTestClient(t, server.Addr().String())
	defer client.close()
	client.expectLine("220 builder.example.com ESMTP TestMTA")
}
