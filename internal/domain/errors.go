// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested session or log file does not exist.
var ErrNotFound = errors.New("not found")

// ErrCapacity indicates the live-session limit has been reached.
var ErrCapacity = errors.New("session capacity reached")

// ErrValidation indicates invalid caller-supplied input.
var ErrValidation = errors.New("validation failed")
