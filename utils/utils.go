// Package utils holds small helpers shared by the server: client address
// handling and envelope address parsing.
package utils

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"unicode/utf8"
)

var ErrInvalidPath = errors.New("smtp: invalid address path")

// GetIPFromAddr returns the IP of a network address.
func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, nil
	case *net.UDPAddr:
		return a.IP, nil
	case *net.IPAddr:
		return a.IP, nil
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
	}
	return ip, nil
}

// ContainsNonASCII reports whether s has any byte above 127.
func ContainsNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// ExtractAddress splits the argument of MAIL FROM: or RCPT TO: into the
// address and the trailing ESMTP parameters. Angle brackets are optional;
// spaces inside them are trimmed, as Postfix does.
func ExtractAddress(arg string) (address, params string, err error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		end := strings.IndexByte(arg, '>')
		if end < 0 {
			return "", "", ErrInvalidPath
		}
		return strings.TrimSpace(arg[1:end]), strings.TrimSpace(arg[end+1:]), nil
	}

	address, params, _ = strings.Cut(arg, " ")
	return address, strings.TrimSpace(params), nil
}

// IsValidAddress reports whether address is an acceptable envelope
// address. The empty (null) reverse path is valid.
func IsValidAddress(address string) bool {
	if address == "" {
		return true
	}
	a, err := mail.ParseAddress("<" + address + ">")
	if err != nil {
		return false
	}
	return a.Name == "" && a.Address == address
}

// NormalizeAddress lower-cases the domain of address, leaving the local
// part alone since it may be case sensitive.
func NormalizeAddress(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address
	}
	return address[:at] + strings.ToLower(address[at:])
}

// ParseParams parses ESMTP parameters ("SIZE=1000 BODY=8BITMIME") into a
// map keyed by upper-case name. Parameters without a value map to "".
func ParseParams(params string) map[string]string {
	out := make(map[string]string)
	for _, p := range strings.Fields(params) {
		k, v, _ := strings.Cut(p, "=")
		out[strings.ToUpper(k)] = v
	}
	return out
}
