// Package wren is an embeddable ESMTP receiving engine.
//
// # Server
//
// Create a server with the fluent builder API:
//
//	server, err := wren.New("mx.example.com").
//	    Addr(":587").
//	    TLS(tlsConfig).
//	    RequireTLS().
//	    AuthFunc(checkPassword).
//	    MaxMessageSize(25 * 1024 * 1024).
//	    Handler(factory).
//	    Build()
//
//	if err := server.ListenAndServe(); err != wren.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// Each accepted connection runs as a Session. The session reads strictly
// CRLF framed command lines, dispatches them through the CommandRegistry
// and hands every mail transaction to a MessageHandler created by the
// configured MessageHandlerFactory. Done is called exactly once per
// transaction.
//
// # Commands
//
// The built-in command set covers HELO, EHLO, MAIL, RCPT, DATA, RSET,
// NOOP, QUIT, VRFY, EXPN, HELP, STARTTLS and AUTH. Commands are values;
// extra ones are added with ServerConfig.Commands and policies are layered
// with RequireTLS and RequireAuth:
//
//	xclient := wren.NewCommand("XCLIENT", "Override client attributes.", "<attr>=<value> ...",
//	    func(ctx context.Context, args string, s *wren.Session) error {
//	        return s.Reply(wren.Response{Code: wren.CodeOK, Message: "Ok"})
//	    })
//	config.Commands = append(config.Commands, wren.RequireTLS(xclient))
//
// # Authentication
//
// AUTH PLAIN and LOGIN are provided by the sasl package and checked by a
// UsernamePasswordValidator. StaticValidator keeps bcrypt hashes in
// memory.
//
// # Shutdown
//
// Shutdown stops the listener, ends every live session and waits for them
// to clean up.
package wren
