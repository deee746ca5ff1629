package sasl

import (
	"bytes"
)

// Plain is the PLAIN mechanism (RFC 4616). The whole exchange is a single
// message "authzid NUL authcid NUL passwd".
type Plain struct {
	creds *Credentials
	done  bool
}

// NewPlain returns a PLAIN exchange.
func NewPlain() *Plain {
	return &Plain{}
}

func (p *Plain) Name() string {
	return "PLAIN"
}

// Start accepts the initial response, or asks for one with an empty
// challenge.
func (p *Plain) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.process(initialResponse)
}

func (p *Plain) Next(response string) (challenge string, done bool, err error) {
	if p.done {
		return "", true, ErrUnexpectedResponse
	}
	return p.process(response)
}

func (p *Plain) process(response string) (string, bool, error) {
	p.done = true

	decoded, err := decode(response)
	if err != nil {
		return "", true, err
	}

	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		return "", true, ErrInvalidFormat
	}
	if len(parts[1]) == 0 || len(parts[2]) == 0 {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *Plain) Credentials() *Credentials {
	return p.creds
}
