package wren

import (
	"context"
	"strings"
)

var starttlsCommand = NewCommand("STARTTLS",
	"Switch the connection to TLS.",
	"",
	func(ctx context.Context, args string, s *Session) error {
		if strings.TrimSpace(args) != "" {
			return s.Reply(Response{Code: CodeSyntaxError, Message: "Syntax error (no parameters allowed)"})
		}
		if s.config.TLSConfig == nil {
			return s.Reply(Response{Code: CodeTLSNotAvailable, EnhancedCode: "4.7.0", Message: "TLS not supported"})
		}
		if s.IsTLS() {
			return s.Reply(Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "TLS already active"})
		}
		if s.InTransaction() {
			return s.Reply(Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "STARTTLS not permitted during a mail transaction"})
		}
		if err := s.Reply(Response{Code: CodeServiceReady, Message: "Ready to start TLS"}); err != nil {
			return err
		}
		return s.StartTLS(ctx)
	})
