package domain

import "errors"

var (
	ErrResourceNotFound       = errors.New("resource not found")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)
