package services

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrPersistence       = errors.New("failed to save, try again")
	ErrValidation        = errors.New("validation failed")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrConflict          = errors.New("session was modified concurrently")
	ErrUnauthorized      = errors.New("unauthorized")
)
