package wren

import (
	"context"
	"fmt"
	"strings"
)

// Command is one SMTP verb. Execute receives everything after the verb
// and the separating space. It writes its own replies through the session;
// a returned *RejectError is sent as the reply, any other error ends the
// session.
type Command interface {
	Name() string
	Help() HelpMessage
	Execute(ctx context.Context, args string, s *Session) error
}

// CommandFunc is the body of a command built with NewCommand.
type CommandFunc func(ctx context.Context, args string, s *Session) error

// NewCommand returns a Command named name. help is the description shown
// by HELP, one line per row; argDesc describes the arguments.
func NewCommand(name, help, argDesc string, fn CommandFunc) Command {
	name = strings.ToUpper(name)
	return &funcCommand{
		name: name,
		help: HelpMessage{Command: name, Arguments: argDesc, Text: help},
		fn:   fn,
	}
}

type funcCommand struct {
	name string
	help HelpMessage
	fn   CommandFunc
}

func (c *funcCommand) Name() string      { return c.name }
func (c *funcCommand) Help() HelpMessage { return c.help }

func (c *funcCommand) Execute(ctx context.Context, args string, s *Session) error {
	return c.fn(ctx, args, s)
}

// HelpMessage is the text returned by "HELP <command>".
type HelpMessage struct {
	Command   string
	Arguments string
	Text      string
}

// Summary returns the first line of the help text.
func (h HelpMessage) Summary() string {
	first, _, _ := strings.Cut(h.Text, "\n")
	return first
}

// Response renders the help as a 214 reply.
func (h HelpMessage) Response() Response {
	lines := []string{strings.TrimSpace(h.Command + " " + h.Arguments)}
	for _, line := range strings.Split(h.Text, "\n") {
		if line != "" {
			lines = append(lines, "    "+line)
		}
	}
	lines = append(lines, fmt.Sprintf("End of %s info", h.Command))
	return Response{Code: CodeHelpMessage, Message: strings.Join(lines, "\n")}
}

// CommandRegistry is an ordered set of commands keyed by upper-case name.
type CommandRegistry struct {
	order    []string
	commands map[string]Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]Command)}
}

// Register adds cmd. It fails with ErrDuplicateCommand if the name is
// taken.
func (r *CommandRegistry) Register(cmd Command) error {
	name := strings.ToUpper(cmd.Name())
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	r.order = append(r.order, name)
	r.commands[name] = cmd
	return nil
}

// Override replaces the command of the same name in place, or appends cmd
// if there is none.
func (r *CommandRegistry) Override(cmd Command) {
	name := strings.ToUpper(cmd.Name())
	if _, ok := r.commands[name]; !ok {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Lookup finds a command, ignoring case.
func (r *CommandRegistry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}

// Commands returns the commands in registration order.
func (r *CommandRegistry) Commands() []Command {
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name])
	}
	return out
}

// Clone returns a copy that can be changed independently.
func (r *CommandRegistry) Clone() *CommandRegistry {
	c := NewCommandRegistry()
	for _, cmd := range r.Commands() {
		c.Override(cmd)
	}
	return c
}

type decoratedCommand struct {
	Command
	guard func(s *Session) *Response
}

func (d *decoratedCommand) Execute(ctx context.Context, args string, s *Session) error {
	if resp := d.guard(s); resp != nil {
		return s.Reply(*resp)
	}
	return d.Command.Execute(ctx, args, s)
}

// RequireTLS wraps cmd so that, when the server requires TLS, it answers
// 530 until STARTTLS has completed.
func RequireTLS(cmd Command) Command {
	return &decoratedCommand{Command: cmd, guard: func(s *Session) *Response {
		if s.config.RequireTLS && !s.IsTLS() {
			return &respTLSRequired
		}
		return nil
	}}
}

// RequireAuth wraps cmd so that, when the server requires authentication,
// it answers 530 until AUTH has succeeded.
func RequireAuth(cmd Command) Command {
	return &decoratedCommand{Command: cmd, guard: func(s *Session) *Response {
		if s.config.RequireAuth && !s.IsAuthenticated() {
			return &respAuthRequired
		}
		return nil
	}}
}

// DefaultCommands returns a new registry holding the built-in commands.
func DefaultCommands() *CommandRegistry {
	r := NewCommandRegistry()
	for _, cmd := range []Command{
		RequireTLS(authCommand),
		RequireTLS(RequireAuth(dataCommand)),
		ehloCommand,
		RequireTLS(heloCommand),
		helpCommand,
		RequireTLS(RequireAuth(mailCommand)),
		noopCommand,
		quitCommand,
		RequireTLS(RequireAuth(rcptCommand)),
		rsetCommand,
		starttlsCommand,
		RequireTLS(vrfyCommand),
		RequireTLS(expnCommand),
	} {
		r.Override(cmd)
	}
	return r
}
