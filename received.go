package wren

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/utils"
)

// receivedHeader returns the Received trace header (RFC 5321 section
// 4.4) prepended to message data, CRLF included:
//
//	Received: from helo (name [ip])
//	        by host with ESMTPS (software) id session
//	        for <rcpt>;
//	        date
func (s *Session) receivedHeader(ctx context.Context) string {
	helo := s.helo
	if ascii, err := idna.ToASCII(helo); err == nil {
		helo = ascii
	}

	var client string
	ip, err := utils.GetIPFromAddr(s.rawConn.RemoteAddr())
	if err == nil {
		client = "[" + ip.String() + "]"
		if name := s.resolveClientName(ctx); name != "" {
			client = name + " " + client
		}
	} else {
		client = s.rawConn.RemoteAddr().String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n", helo, client)
	fmt.Fprintf(&b, "        by %s with %s (%s) id %s", s.config.Hostname, s.protocolName(), s.config.SoftwareName, s.id)
	if rcpt := s.singleRecipient; rcpt != "" {
		fmt.Fprintf(&b, "\r\n        for <%s>", rcpt)
	}
	fmt.Fprintf(&b, ";\r\n        %s\r\n", time.Now().Format(time.RFC1123Z))
	return b.String()
}

// protocolName is the "with" value of RFC 3848.
func (s *Session) protocolName() string {
	proto := "ESMTP"
	if s.tlsStarted {
		proto += "S"
	}
	if s.auth != nil {
		proto += "A"
	}
	return proto
}

// resolveClientName returns the forward-confirmed name of the client, or
// "". The lookup runs at most once per session.
func (s *Session) resolveClientName(ctx context.Context) string {
	if s.clientNameDone {
		return s.clientName
	}
	s.clientNameDone = true
	if s.config.DisableReverseDNS || s.config.Resolver == nil {
		return ""
	}
	ip, err := utils.GetIPFromAddr(s.rawConn.RemoteAddr())
	if err != nil {
		return ""
	}
	name, authentic, err := dns.VerifiedName(ctx, s.config.Resolver, ip)
	switch {
	case err == nil && name != "":
		s.clientName = name
		s.logger.Debug("client name verified", slog.String("name", name), slog.Bool("dnssec", authentic))
	case err == nil || dns.IsNotFound(err):
		s.logger.Debug("client has no verified name", slog.String("ip", ip.String()))
	case dns.IsTemporary(err):
		s.logger.Debug("client name lookup failed temporarily", slog.String("ip", ip.String()), slog.Any("error", err))
	default:
		s.logger.Debug("client name lookup failed", slog.String("ip", ip.String()), slog.Any("error", err))
	}
	return s.clientName
}
