package sasl

const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// Base64 forms of the LOGIN prompts.
const (
	LoginChallengeUsername = "VXNlcm5hbWU6" // "Username:"
	LoginChallengePassword = "UGFzc3dvcmQ6" // "Password:"
)

// Login is the obsolete LOGIN mechanism still used by many clients: the
// server prompts for the user name, then the password.
type Login struct {
	state    int
	username string
	creds    *Credentials
}

// NewLogin returns a LOGIN exchange.
func NewLogin() *Login {
	return &Login{state: loginStateInitial}
}

func (l *Login) Name() string {
	return "LOGIN"
}

// Start prompts for the user name. Clients may send the user name as the
// initial response, in which case the password is requested straight away.
func (l *Login) Start(initialResponse string) (challenge string, done bool, err error) {
	l.state = loginStateUsername
	if initialResponse == "" {
		return LoginChallengeUsername, false, nil
	}
	return l.Next(initialResponse)
}

func (l *Login) Next(response string) (challenge string, done bool, err error) {
	decoded, err := decode(response)
	if err != nil {
		l.state = loginStateDone
		return "", true, err
	}

	switch l.state {
	case loginStateUsername:
		if len(decoded) == 0 {
			l.state = loginStateDone
			return "", true, ErrInvalidFormat
		}
		l.username = string(decoded)
		l.state = loginStatePassword
		return LoginChallengePassword, false, nil

	case loginStatePassword:
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.state = loginStateDone
		return "", true, nil
	}

	l.state = loginStateDone
	return "", true, ErrUnexpectedResponse
}

func (l *Login) Credentials() *Credentials {
	return l.creds
}
