package token

import "errors"

// Public, stable errors for callers.
var (
	ErrNoToken      = errors.New("token not present")
	ErrTokenExpired = errors.New("token cookie expired")
)
