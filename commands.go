package wren

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

var heloCommand = NewCommand("HELO",
	"Introduce yourself.",
	"<hostname>",
	func(ctx context.Context, args string, s *Session) error {
		host := strings.TrimSpace(args)
		if host == "" {
			return s.Reply(Response{Code: CodeSyntaxError, Message: "Syntax: HELO <hostname>"})
		}
		s.ResetTransaction()
		s.setHelo(host)
		return s.Reply(Response{Code: CodeOK, Message: s.config.Hostname})
	})

var ehloCommand = NewCommand("EHLO",
	"Introduce yourself and list the supported extensions.",
	"<hostname>",
	func(ctx context.Context, args string, s *Session) error {
		host := strings.TrimSpace(args)
		if host == "" {
			return s.Reply(Response{Code: CodeSyntaxError, Message: "Syntax: EHLO hostname"})
		}
		s.ResetTransaction()
		s.setHelo(host)

		lines := []string{s.config.Hostname, "8BITMIME"}
		if s.config.MaxMessageSize > 0 {
			lines = append(lines, "SIZE "+strconv.FormatInt(s.config.MaxMessageSize, 10))
		}
		if s.config.TLSConfig != nil && !s.config.HideTLS && !s.IsTLS() {
			lines = append(lines, "STARTTLS")
		}
		if mechs := s.authMechanisms(); len(mechs) > 0 && (!s.config.RequireTLS || s.IsTLS()) {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
		lines = append(lines, "Ok")
		return s.Reply(Response{Code: CodeOK, Message: strings.Join(lines, "\n")})
	})

var helpCommand = NewCommand("HELP",
	"Show the supported commands, or the help of one command.",
	"[ <topic> ]",
	func(ctx context.Context, args string, s *Session) error {
		topic := strings.TrimSpace(args)
		if topic == "" {
			return s.Reply(s.helpIndex())
		}
		cmd, ok := s.commands.Lookup(topic)
		if !ok {
			return s.Reply(Response{Code: CodeParameterNotImpl, Message: fmt.Sprintf("HELP topic %q unknown.", topic)})
		}
		return s.Reply(cmd.Help().Response())
	})

// helpIndex lists every registered command with its summary.
func (s *Session) helpIndex() Response {
	lines := []string{
		fmt.Sprintf("This is the %s server running on %s", s.config.SoftwareName, s.config.Hostname),
		"Topics:",
	}
	for _, cmd := range s.commands.Commands() {
		lines = append(lines, fmt.Sprintf("    %-8s  %s", cmd.Name(), cmd.Help().Summary()))
	}
	lines = append(lines, `For more info use "HELP <topic>".`, "End of HELP info")
	return Response{Code: CodeHelpMessage, Message: strings.Join(lines, "\n")}
}

var noopCommand = NewCommand("NOOP",
	"Do nothing.",
	"",
	func(ctx context.Context, args string, s *Session) error {
		return s.Reply(respOK)
	})

var rsetCommand = NewCommand("RSET",
	"Abort the current mail transaction.",
	"",
	func(ctx context.Context, args string, s *Session) error {
		s.ResetTransaction()
		return s.Reply(respOK)
	})

var quitCommand = NewCommand("QUIT",
	"Close the session.",
	"",
	func(ctx context.Context, args string, s *Session) error {
		err := s.Reply(Response{Code: CodeServiceClosing, Message: "Bye"})
		s.Quit()
		return err
	})

var vrfyCommand = NewCommand("VRFY",
	"Verify an address. Disabled.",
	"<recipient>",
	func(ctx context.Context, args string, s *Session) error {
		return s.Reply(Response{Code: CodeCommandNotImplemented, Message: "VRFY command is disabled"})
	})

var expnCommand = NewCommand("EXPN",
	"Expand a mailing list. Disabled.",
	"<list>",
	func(ctx context.Context, args string, s *Session) error {
		return s.Reply(Response{Code: CodeCommandNotImplemented, Message: "EXPN command is disabled"})
	})
