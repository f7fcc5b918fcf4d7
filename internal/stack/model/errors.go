package model

import "errors"

var (
	ErrCapacityExceeded  = errors.New("stack capacity exceeded")
	ErrEmpty             = errors.New("stack has no absorbed members")
	ErrAlreadyRegistered = errors.New("host already owns a stack")
	ErrNotRegistered     = errors.New("host has no stack")
	ErrIncompatible      = errors.New("stacks are not compatible")
	ErrUnstackable       = errors.New("subtype is not stackable")
)
