package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrNoRefillsRemaining = errors.New("no refills remaining")
	ErrCommitConflict     = errors.New("commit conflict")
	ErrInvalidInput       = errors.New("invalid input")
)
