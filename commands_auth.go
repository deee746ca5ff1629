package wren

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var respAuthSuccess = Response{Code: CodeAuthSuccess, EnhancedCode: "2.7.0", Message: "Authentication successful"}

var authCommand = NewCommand("AUTH",
	"Authenticate with a SASL mechanism.",
	"<mechanism> [ <initial-response> ]",
	func(ctx context.Context, args string, s *Session) error {
		factory := s.config.AuthenticationHandlerFactory
		if factory == nil || len(factory.Mechanisms()) == 0 {
			return s.Reply(Response{Code: CodeCommandNotImplemented, EnhancedCode: "5.5.1", Message: "AUTH not supported"})
		}
		if s.Helo() == "" {
			return s.Reply(respNeedHelo)
		}
		if s.IsAuthenticated() {
			return s.Reply(Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "Already authenticated"})
		}
		if s.InTransaction() {
			return s.Reply(Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "AUTH not permitted during a mail transaction"})
		}

		fields := strings.Fields(args)
		if len(fields) == 0 || len(fields) > 2 {
			return s.Reply(Response{Code: CodeSyntaxError, EnhancedCode: "5.5.4", Message: "Syntax: AUTH mechanism [initial-response]"})
		}
		mechanism := strings.ToUpper(fields[0])
		var initial string
		if len(fields) == 2 {
			initial = fields[1]
		}

		handler, err := factory.Create(s.View(), mechanism)
		if errors.Is(err, ErrMechanismNotSupported) {
			return s.Reply(Response{Code: CodeParameterNotImpl, EnhancedCode: "5.5.4", Message: "Unrecognized authentication mechanism"})
		}
		if err != nil {
			return err
		}

		authErr, err := s.runAuthExchange(ctx, handler, initial)
		if err != nil {
			return err
		}
		if authErr != nil {
			s.metrics.authAttempts.WithLabelValues(mechanism, "failure").Inc()
			s.logger.Info("authentication failed",
				slog.String("mechanism", mechanism),
				slog.Any("error", authErr),
			)
			var rej *RejectError
			if errors.As(authErr, &rej) {
				return rej
			}
			return s.Reply(respAuthInvalid)
		}

		s.auth = handler
		s.metrics.authAttempts.WithLabelValues(mechanism, "success").Inc()
		s.logger.Info("client authenticated",
			slog.String("mechanism", mechanism),
			slog.String("identity", handler.Identity()),
		)
		return s.Reply(respAuthSuccess)
	})

// runAuthExchange sends 334 challenges and feeds the replies to handler
// until it is done. authErr is the outcome of the exchange; err is a
// failure to talk to the client.
func (s *Session) runAuthExchange(ctx context.Context, handler AuthenticationHandler, initial string) (authErr, err error) {
	challenge, done, authErr := handler.Start(ctx, initial)
	for authErr == nil && !done {
		if err := s.Reply(Response{Code: CodeAuthContinue, Message: challenge}); err != nil {
			return nil, err
		}
		line, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "*" {
			return rejectWith(respAuthCancelled), nil
		}
		challenge, done, authErr = handler.Next(ctx, line)
	}
	return authErr, nil
}
