package identity

import "errors"

var (
	ErrNotFound        = errors.New("identity: not found")
	ErrAlreadyExists   = errors.New("identity: already exists")
	ErrInvalidArgument = errors.New("identity: invalid argument")
)
