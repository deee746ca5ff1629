// wren-sink accepts mail over SMTP and writes every message to a spool
// directory.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/synqronlabs/wren"
	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/spool"
)

// newLogger writes to stdout, and also to a rotating file if filename is
// given.
func newLogger(filename string, verbose bool) *slog.Logger {
	var out io.Writer = os.Stdout
	if filename != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: filename,
			MaxSize:  100, // megabytes
			MaxAge:   7,   // days
			Compress: true,
		})
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// loadUsers reads "username:bcrypt-hash" lines. Blank lines and lines
// starting with # are ignored.
func loadUsers(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("%s:%d: expected username:hash", path, n)
		}
		users[name] = hash
	}
	return users, scanner.Err()
}

func main() {
	addr := flag.String("addr", ":2525", "Address to accept SMTP connections on")
	hostname := flag.String("hostname", "", "Host name announced to clients (default: OS host name)")
	spoolDir := flag.String("spool", "spool", "Directory messages are written to")
	certfile := flag.String("certfile", "", "Certificate file, enables STARTTLS together with -keyfile")
	keyfile := flag.String("keyfile", "", "Private key file")
	requireTLS := flag.Bool("require_tls", false, "Refuse mail commands before STARTTLS")
	usersFile := flag.String("users", "", "File of username:bcrypt-hash lines, enables AUTH")
	requireAuth := flag.Bool("require_auth", false, "Refuse mail commands before AUTH")
	maxSize := flag.Int64("max_size", 25<<20, "Maximum message size in bytes, 0 for no limit")
	maxConns := flag.Int("max_connections", 1000, "Maximum concurrent sessions")
	timeout := flag.Duration("timeout", time.Minute, "Idle timeout of a connection")
	nameservers := flag.String("nameservers", "", "Comma-separated host:port DNS servers for client name lookups (default: /etc/resolv.conf)")
	dnssec := flag.Bool("dnssec", false, "Request DNSSEC validation on client name lookups")
	noReverseDNS := flag.Bool("no_reverse_dns", false, "Do not look up client names for Received headers")
	metricsAddr := flag.String("metrics", "", "Address to serve Prometheus metrics on, e.g. :9100")
	logfile := flag.String("logfile", "", "File written with logs (also to stdout)")
	verbose := flag.Bool("verbose", false, "Log every SMTP command and reply")
	flag.Usage = func() {
		const helpText = "SMTP sink that accepts every message and writes it to a spool directory.\n" +
			"Usage of %s:\n"
		fmt.Fprintf(flag.CommandLine.Output(), helpText, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := newLogger(*logfile, *verbose)
	if err := run(logger, options{
		addr:        *addr,
		hostname:    *hostname,
		spoolDir:    *spoolDir,
		certfile:    *certfile,
		keyfile:     *keyfile,
		requireTLS:  *requireTLS,
		usersFile:   *usersFile,
		requireAuth: *requireAuth,
		maxSize:     *maxSize,
		maxConns:    *maxConns,
		timeout:     *timeout,
		nameservers: *nameservers,
		dnssec:      *dnssec,
		noRDNS:      *noReverseDNS,
		metricsAddr: *metricsAddr,
	}); err != nil {
		logger.Error("wren-sink failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type options struct {
	addr, hostname, spoolDir string
	certfile, keyfile        string
	requireTLS               bool
	usersFile                string
	requireAuth              bool
	maxSize                  int64
	maxConns                 int
	timeout                  time.Duration
	nameservers              string
	dnssec, noRDNS           bool
	metricsAddr              string
}

func run(logger *slog.Logger, opts options) error {
	factory, err := spool.NewFactory(opts.spoolDir, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	builder := wren.New(opts.hostname).
		Addr(opts.addr).
		Logger(logger).
		Metrics(registry).
		MaxMessageSize(opts.maxSize).
		MaxConnections(opts.maxConns).
		Timeout(opts.timeout).
		Handler(factory)

	if opts.noRDNS {
		builder.DisableReverseDNS()
	} else {
		var servers []string
		if opts.nameservers != "" {
			servers = strings.Split(opts.nameservers, ",")
		}
		builder.Resolver(dns.NewResolver(dns.ResolverConfig{
			Nameservers: servers,
			DNSSEC:      opts.dnssec,
			Timeout:     2 * time.Second,
		}))
	}

	if opts.certfile != "" && opts.keyfile != "" {
		cert, err := tls.LoadX509KeyPair(opts.certfile, opts.keyfile)
		if err != nil {
			return fmt.Errorf("loading certificate: %w", err)
		}
		builder.TLS(&tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
		logger.Info("STARTTLS enabled", slog.String("certfile", opts.certfile))
	} else {
		logger.Info("certfile or keyfile not specified, STARTTLS will not be offered")
	}
	if opts.requireTLS {
		builder.RequireTLS()
	}

	if opts.usersFile != "" {
		users, err := loadUsers(opts.usersFile)
		if err != nil {
			return fmt.Errorf("loading users: %w", err)
		}
		builder.Auth(wren.NewEasyAuthenticationHandlerFactory(wren.NewStaticValidator(users)))
		logger.Info("AUTH enabled", slog.Int("users", len(users)))
	}
	if opts.requireAuth {
		builder.RequireAuth()
	}

	server, err := builder.Build()
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer metricsServer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("spooling messages", slog.String("dir", factory.Dir()))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
