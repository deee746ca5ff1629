package wren

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	wrenio "github.com/synqronlabs/wren/io"
	"github.com/synqronlabs/wren/utils"
)

var (
	respNeedHelo      = Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "Error: send HELO/EHLO first"}
	respNeedMail      = Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "Error: need MAIL command"}
	respNeedRcpt      = Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "Error: need RCPT command"}
	respNonASCII      = Response{Code: CodeMailboxNameInvalid, EnhancedCode: "5.6.7", Message: "Address contains non-ASCII characters"}
	respSizeExceeded  = Response{Code: CodeExceededStorage, EnhancedCode: "5.3.4", Message: "Message size exceeds fixed limit"}
	respTooMuchData   = Response{Code: CodeExceededStorage, EnhancedCode: "5.3.4", Message: "Error: too much mail data"}
	respTooManyRcpts  = Response{Code: CodeInsufficientStorage, EnhancedCode: "4.5.3", Message: "Error: too many recipients"}
	respStartMailData = Response{Code: CodeStartMailInput, Message: "End data with <CR><LF>.<CR><LF>"}
)

// cutPrefixFold is strings.CutPrefix ignoring ASCII case.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

var mailCommand = NewCommand("MAIL",
	"Start a mail transaction and name the sender.",
	"FROM: <sender> [ <parameters> ]",
	func(ctx context.Context, args string, s *Session) error {
		if s.Helo() == "" {
			return s.Reply(respNeedHelo)
		}
		if s.InTransaction() {
			return s.Reply(Response{Code: CodeBadSequence, EnhancedCode: "5.5.1", Message: "Sender already specified"})
		}

		syntax := Response{Code: CodeSyntaxError, Message: "Syntax: MAIL FROM: <address>"}
		rest, ok := cutPrefixFold(strings.TrimSpace(args), "FROM:")
		if !ok {
			return s.Reply(syntax)
		}
		from, params, err := utils.ExtractAddress(rest)
		if err != nil {
			return s.Reply(syntax)
		}
		if utils.ContainsNonASCII(from) {
			return s.Reply(respNonASCII)
		}
		if !utils.IsValidAddress(from) {
			return s.Reply(Response{Code: CodeMailboxNameInvalid, EnhancedCode: "5.1.3", Message: "Invalid sender address"})
		}

		var size int64
		if v, ok := utils.ParseParams(params)["SIZE"]; ok {
			size, err = strconv.ParseInt(v, 10, 64)
			if err != nil || size < 0 {
				return s.Reply(Response{Code: CodeSyntaxError, EnhancedCode: "5.5.4", Message: "Syntax: SIZE=<number>"})
			}
			if max := s.config.MaxMessageSize; max > 0 && size > max {
				return s.Reply(respSizeExceeded)
			}
		}

		if err := s.StartTransaction(); err != nil {
			return err
		}
		s.SetDeclaredMessageSize(size)
		s.SetSender(from)
		if err := s.handler.From(ctx, from); err != nil {
			s.ResetTransaction()
			return err
		}
		return s.Reply(respOK)
	})

var rcptCommand = NewCommand("RCPT",
	"Name a recipient. Repeat for each recipient.",
	"TO: <recipient> [ <parameters> ]",
	func(ctx context.Context, args string, s *Session) error {
		if !s.InTransaction() {
			return s.Reply(respNeedMail)
		}
		if max := s.config.MaxRecipients; max >= 0 && s.RecipientCount() >= max {
			return s.Reply(respTooManyRcpts)
		}

		syntax := Response{Code: CodeSyntaxError, Message: "Syntax: RCPT TO: <address>"}
		rest, ok := cutPrefixFold(strings.TrimSpace(args), "TO:")
		if !ok {
			return s.Reply(syntax)
		}
		to, _, err := utils.ExtractAddress(rest)
		if err != nil || to == "" {
			return s.Reply(syntax)
		}
		if utils.ContainsNonASCII(to) {
			return s.Reply(respNonASCII)
		}
		if !utils.IsValidAddress(to) {
			return s.Reply(Response{Code: CodeMailboxNameInvalid, EnhancedCode: "5.1.3", Message: "Invalid recipient address"})
		}

		if err := s.handler.Recipient(ctx, to); err != nil {
			return err
		}
		s.AddRecipient(to)
		return s.Reply(respOK)
	})

var dataCommand = NewCommand("DATA",
	"Send the message, ending with a line holding a single dot.",
	"",
	func(ctx context.Context, args string, s *Session) error {
		if !s.InTransaction() {
			return s.Reply(respNeedMail)
		}
		if s.RecipientCount() == 0 {
			return s.Reply(respNeedRcpt)
		}
		if err := s.Reply(respStartMailData); err != nil {
			return err
		}

		dot := wrenio.NewDotReader(s.lines.Reader())
		limited := wrenio.NewLimitReader(dot, s.config.MaxMessageSize)
		var body io.Reader = limited
		if !s.config.DisableReceivedHeaders {
			body = io.MultiReader(strings.NewReader(s.receivedHeader(ctx)), limited)
		}

		herr := s.handler.Data(ctx, body)
		derr := dot.Drain()
		recipients := s.RecipientCount()
		s.ResetTransaction()

		if derr != nil {
			return derr
		}
		switch {
		case errors.Is(herr, wrenio.ErrTooMuchData) || (herr == nil && limited.Exceeded()):
			s.metrics.messages.WithLabelValues("too_large").Inc()
			return s.Reply(respTooMuchData)
		case herr != nil:
			var rej *RejectError
			if errors.As(herr, &rej) {
				s.metrics.messages.WithLabelValues("rejected").Inc()
			}
			return herr
		}
		s.metrics.messages.WithLabelValues("accepted").Inc()
		s.logger.Info("message accepted",
			slog.Int64("size", limited.Count()),
			slog.Int("recipients", recipients),
		)
		return s.Reply(respOK)
	})
