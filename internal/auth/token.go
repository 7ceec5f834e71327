// Package auth supplies bearer credentials to outbound clients. How a
// credential is obtained is the caller's business.
package auth

import (
	"context"
	"errors"
)

var ErrNoCredential = errors.New("no credential available")

// TokenSource returns a bearer credential for the current session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
