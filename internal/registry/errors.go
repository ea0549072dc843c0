package registry

import "errors"

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyBound      = errors.New("connection already bound to another user")
)
