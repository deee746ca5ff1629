package wren

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	wrenio "github.com/synqronlabs/wren/io"
)

// Run greets the client and processes commands until the session ends.
// The connection is always closed and the open transaction finished
// before Run returns.
//
// Run returns nil for every ending the protocol accounts for: QUIT,
// timeouts, disconnects and protocol violations. An unexpected error from
// a command or handler, or a panic, is returned after the client has been
// sent a 421.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.cleanup(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.replyBestEffort(respMailSystemFailure)
			err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
		}
	}()

	s.logger.Info("client connected")

	if s.server.HasTooManyConnections() {
		s.metrics.connectionsRejected.Inc()
		s.logger.Warn("too many connections")
		s.replyBestEffort(respTooManyConnections)
		return nil
	}

	if hook := s.config.OnConnect; hook != nil {
		if herr := hook(ctx, s.view); herr != nil {
			var rej *RejectError
			if !errors.As(herr, &rej) {
				rej = Reject(CodeTransactionFailed, "Connection refused")
			}
			s.logger.Info("connection refused", slog.Any("error", herr))
			s.replyBestEffort(rej.Response())
			return nil
		}
	}

	greeting := Response{
		Code:    CodeServiceReady,
		Message: fmt.Sprintf("%s ESMTP %s", s.config.Hostname, s.config.SoftwareName),
	}
	if werr := s.Reply(greeting); werr != nil {
		_, ferr := s.handleError(werr)
		return ferr
	}

	for {
		line, rerr := s.lines.ReadLine()
		if rerr == nil {
			rerr = s.dispatch(ctx, line)
		}
		if rerr != nil {
			if stop, ferr := s.handleError(rerr); stop {
				return ferr
			}
		}
		if s.quitting.Load() {
			return nil
		}
	}
}

// splitCommand separates the verb from its arguments. Leading whitespace
// is ignored and any whitespace character ends the verb.
func splitCommand(line string) (verb, args string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	_, size := utf8.DecodeRuneInString(line[i:])
	return line[:i], line[i+size:]
}

// dispatch runs the command on line.
func (s *Session) dispatch(ctx context.Context, line string) error {
	verb, args := splitCommand(line)
	name := strings.ToUpper(verb)
	if name == "AUTH" {
		s.logger.Debug("client line", slog.String("command", name))
	} else {
		s.logger.Debug("client line", slog.String("line", line))
	}

	if verb == "" {
		s.metrics.observeCommand("", CodeCommandUnrecognized, 0)
		return s.Reply(Response{Code: CodeCommandUnrecognized, Message: "Error: bad syntax"})
	}
	cmd, ok := s.commands.Lookup(name)
	if !ok {
		s.metrics.observeCommand("", CodeCommandUnrecognized, 0)
		return s.Reply(Response{Code: CodeCommandUnrecognized, Message: fmt.Sprintf("Command unrecognized: \"%s\"", verb)})
	}

	start := time.Now()
	s.lastCode = 0
	err := cmd.Execute(ctx, args, s)
	code := s.lastCode
	var rej *RejectError
	if errors.As(err, &rej) {
		code = rej.Code
	}
	s.metrics.observeCommand(name, code, time.Since(start))
	return err
}

// handleError classifies an error from reading or executing a command. It
// reports whether the session must end and, if so, the fault to return
// from Run.
func (s *Session) handleError(err error) (stop bool, fault error) {
	var rej *RejectError
	var term *wrenio.TerminationError

	switch {
	case errors.As(err, &rej):
		if werr := s.Reply(rej.Response()); werr != nil {
			return s.handleError(werr)
		}
		if rej.Drop() {
			s.logger.Info("dropping connection", slog.Int("code", int(rej.Code)))
		}
		return rej.Drop(), nil

	case errors.As(err, &term):
		s.logger.Info("bad line ending", slog.Int("position", term.Position))
		s.replyBestEffort(framingResponse(term.Position))
		return true, nil

	case errors.Is(err, wrenio.ErrLineTooLong):
		s.logger.Info("line too long")
		s.replyBestEffort(respLineTooLong)
		return true, nil

	case errors.Is(err, errTLSHandshake):
		s.logger.Warn("TLS handshake failed", slog.Any("error", err))
		return true, nil

	case isTimeout(err):
		s.logger.Info("connection timed out")
		if !s.quitting.Load() {
			s.replyBestEffort(respTimeout)
		}
		return true, nil

	case isDisconnect(err):
		s.logger.Debug("connection closed", slog.Any("error", err))
		return true, nil

	case isIOError(err):
		s.logger.Warn("I/O error", slog.Any("error", err))
		if !s.quitting.Load() {
			s.replyBestEffort(respIOFailure)
		}
		return true, nil
	}

	s.logger.Error("unexpected error", slog.Any("error", err))
	s.replyBestEffort(respMailSystemFailure)
	return true, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isDisconnect matches the ways a client can go away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isIOError(err error) bool {
	var ne net.Error
	var oe *net.OpError
	return errors.As(err, &ne) || errors.As(err, &oe)
}

// cleanup releases the session's resources. It runs once, when Run
// returns.
func (s *Session) cleanup(ctx context.Context) {
	s.quitting.Store(true)
	s.closeConn()
	s.ResetTransaction()

	if hook := s.config.OnDisconnect; hook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in OnDisconnect", slog.Any("panic", r))
				}
			}()
			hook(ctx, s.view)
		}()
	}

	s.server.sessionEnded(s)
	s.logger.Info("client disconnected")
}
