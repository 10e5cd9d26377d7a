package repository

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("not a chat participant")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidOperation = errors.New("invalid operation")
)
