// Package sasl implements the server side of the SASL mechanisms offered
// through the SMTP AUTH command (RFC 4954).
package sasl

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrAuthenticationCancelled = errors.New("sasl: authentication cancelled")
	ErrAuthFailed              = errors.New("sasl: authentication failed")
	ErrInvalidFormat           = errors.New("sasl: invalid authentication format")
	ErrInvalidBase64           = errors.New("sasl: invalid base64 encoding")
	ErrUnexpectedResponse      = errors.New("sasl: unexpected response")
	ErrUnsupportedMechanism    = errors.New("sasl: unsupported mechanism")
)

// Credentials are the values collected by a completed exchange.
type Credentials struct {
	AuthorizationID  string // authzid, may be empty
	AuthenticationID string // authcid
	Password         string
}

// Identity returns the identity the client asked to act as.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is one server-side SASL exchange. Challenges and responses are
// base64 text as carried on the wire; Start receives the optional initial
// response of the AUTH command.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// New returns a fresh exchange for the named mechanism.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return NewPlain(), nil
	case "LOGIN":
		return NewLogin(), nil
	}
	return nil, ErrUnsupportedMechanism
}

// decode decodes a client response. A lone "=" is the RFC 4954 encoding of
// an empty initial response.
func decode(s string) ([]byte, error) {
	if s == "*" {
		return nil, ErrAuthenticationCancelled
	}
	if s == "=" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}
