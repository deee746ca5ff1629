package wren

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synqronlabs/wren/sasl"
)

// AuthenticationHandler runs one AUTH exchange. Challenges and responses
// are base64 text as carried on the wire. When done is true with a nil
// error the client is authenticated.
type AuthenticationHandler interface {
	Mechanism() string
	Start(ctx context.Context, initialResponse string) (challenge string, done bool, err error)
	Next(ctx context.Context, response string) (challenge string, done bool, err error)

	// Identity returns the authenticated identity once the exchange has
	// succeeded.
	Identity() string
}

// AuthenticationHandlerFactory advertises SASL mechanisms and creates one
// handler per AUTH attempt.
type AuthenticationHandlerFactory interface {
	// Mechanisms lists the mechanism names in the order they are
	// advertised.
	Mechanisms() []string

	// Create returns a handler for mechanism, or ErrMechanismNotSupported.
	Create(mc MessageContext, mechanism string) (AuthenticationHandler, error)
}

// UsernamePasswordValidator checks a user name and password. Returning a
// *RejectError selects the reply; any other error gives a 535.
type UsernamePasswordValidator interface {
	Login(ctx context.Context, username, password string, mc MessageContext) error
}

// UsernamePasswordValidatorFunc adapts a function to
// UsernamePasswordValidator.
type UsernamePasswordValidatorFunc func(ctx context.Context, username, password string, mc MessageContext) error

func (f UsernamePasswordValidatorFunc) Login(ctx context.Context, username, password string, mc MessageContext) error {
	return f(ctx, username, password, mc)
}

var (
	respAuthInvalid   = Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: "5.7.8", Message: "Authentication credentials invalid"}
	respAuthCancelled = Response{Code: CodeSyntaxError, EnhancedCode: "5.7.0", Message: "Authentication cancelled"}
	respAuthMalformed = Response{Code: CodeSyntaxError, EnhancedCode: "5.5.2", Message: "Invalid authentication data"}
)

// saslHandler drives a sasl.Mechanism and validates the credentials it
// collects.
type saslHandler struct {
	mech      sasl.Mechanism
	validator UsernamePasswordValidator
	mc        MessageContext
	identity  string
}

func (h *saslHandler) Mechanism() string {
	return h.mech.Name()
}

func (h *saslHandler) Start(ctx context.Context, initialResponse string) (string, bool, error) {
	return h.step(ctx, h.mech.Start(initialResponse))
}

func (h *saslHandler) Next(ctx context.Context, response string) (string, bool, error) {
	return h.step(ctx, h.mech.Next(response))
}

func (h *saslHandler) step(ctx context.Context, challenge string, done bool, err error) (string, bool, error) {
	if err != nil {
		return "", true, saslReject(err)
	}
	if !done {
		return challenge, false, nil
	}

	creds := h.mech.Credentials()
	if creds == nil {
		return "", true, rejectWith(respAuthMalformed)
	}
	if err := h.validator.Login(ctx, creds.AuthenticationID, creds.Password, h.mc); err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			return "", true, rej
		}
		return "", true, fmt.Errorf("%w: %w", sasl.ErrAuthFailed, err)
	}

	h.identity = creds.Identity()
	return "", true, nil
}

func (h *saslHandler) Identity() string {
	return h.identity
}

func saslReject(err error) *RejectError {
	resp := respAuthInvalid
	switch {
	case errors.Is(err, sasl.ErrAuthenticationCancelled):
		resp = respAuthCancelled
	case errors.Is(err, sasl.ErrInvalidBase64), errors.Is(err, sasl.ErrInvalidFormat):
		resp = respAuthMalformed
	}
	return rejectWith(resp)
}

// mechanismFactory serves a single SASL mechanism.
type mechanismFactory struct {
	name      string
	validator UsernamePasswordValidator
}

func (f *mechanismFactory) Mechanisms() []string {
	return []string{f.name}
}

func (f *mechanismFactory) Create(mc MessageContext, mechanism string) (AuthenticationHandler, error) {
	if !strings.EqualFold(mechanism, f.name) {
		return nil, ErrMechanismNotSupported
	}
	mech, err := sasl.New(f.name)
	if err != nil {
		return nil, ErrMechanismNotSupported
	}
	return &saslHandler{mech: mech, validator: f.validator, mc: mc}, nil
}

// NewPlainAuthenticationHandlerFactory offers AUTH PLAIN.
func NewPlainAuthenticationHandlerFactory(v UsernamePasswordValidator) AuthenticationHandlerFactory {
	return &mechanismFactory{name: "PLAIN", validator: v}
}

// NewLoginAuthenticationHandlerFactory offers AUTH LOGIN.
func NewLoginAuthenticationHandlerFactory(v UsernamePasswordValidator) AuthenticationHandlerFactory {
	return &mechanismFactory{name: "LOGIN", validator: v}
}

// MultipleAuthenticationHandlerFactory combines factories. Mechanisms are
// advertised in registration order and each AUTH attempt goes to the first
// factory offering the requested mechanism.
type MultipleAuthenticationHandlerFactory struct {
	factories []AuthenticationHandlerFactory
}

// NewMultipleAuthenticationHandlerFactory returns a composite of factories.
func NewMultipleAuthenticationHandlerFactory(factories ...AuthenticationHandlerFactory) *MultipleAuthenticationHandlerFactory {
	m := &MultipleAuthenticationHandlerFactory{}
	for _, f := range factories {
		m.Add(f)
	}
	return m
}

// Add registers another factory after the existing ones.
func (m *MultipleAuthenticationHandlerFactory) Add(f AuthenticationHandlerFactory) {
	m.factories = append(m.factories, f)
}

func (m *MultipleAuthenticationHandlerFactory) Mechanisms() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range m.factories {
		for _, name := range f.Mechanisms() {
			upper := strings.ToUpper(name)
			if !seen[upper] {
				seen[upper] = true
				out = append(out, upper)
			}
		}
	}
	return out
}

func (m *MultipleAuthenticationHandlerFactory) Create(mc MessageContext, mechanism string) (AuthenticationHandler, error) {
	for _, f := range m.factories {
		for _, name := range f.Mechanisms() {
			if strings.EqualFold(name, mechanism) {
				return f.Create(mc, name)
			}
		}
	}
	return nil, ErrMechanismNotSupported
}

// NewEasyAuthenticationHandlerFactory offers PLAIN and LOGIN backed by one
// validator.
func NewEasyAuthenticationHandlerFactory(v UsernamePasswordValidator) *MultipleAuthenticationHandlerFactory {
	return NewMultipleAuthenticationHandlerFactory(
		NewPlainAuthenticationHandlerFactory(v),
		NewLoginAuthenticationHandlerFactory(v),
	)
}
