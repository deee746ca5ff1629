package wren

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("smtp: invalid credentials")

// dummyHash is compared against when the user is unknown so both paths
// cost the same. It is generated on first use.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("wren-unknown-user"), bcrypt.DefaultCost)
	return hash
})

// StaticValidator is a UsernamePasswordValidator over a fixed table of
// bcrypt password hashes.
type StaticValidator struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewStaticValidator returns a validator for users, mapping user names to
// bcrypt hashes.
func NewStaticValidator(users map[string]string) *StaticValidator {
	v := &StaticValidator{users: make(map[string][]byte, len(users))}
	for name, hash := range users {
		v.users[name] = []byte(hash)
	}
	return v
}

// SetPassword hashes password and stores it for username.
func (v *StaticValidator) SetPassword(username, password string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.users[username] = hash
	v.mu.Unlock()
	return nil
}

func (v *StaticValidator) Login(ctx context.Context, username, password string, mc MessageContext) error {
	v.mu.RLock()
	hash, ok := v.users[username]
	v.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}
