package credentials

import (
	"context"
	"sync/atomic"
)

// Static credentials with a fixed secret.
type Static struct {
	User     string
	Key      string
	Password string

	succeeded atomic.Int32
}

func (s *Static) Username() string {
	return s.User
}

func (s *Static) KeyFile() string {
	return s.Key
}

func (s *Static) Secret(context.Context) (string, error) {
	if s.Password == "" {
		return "", ErrNoSecret
	}
	return s.Password, nil
}

func (s *Static) AuthenticationSucceeded(context.Context) {
	s.succeeded.Add(1)
}

// Successes is the number of logins done with these credentials.
func (s *Static) Successes() int {
	return int(s.succeeded.Load())
}
