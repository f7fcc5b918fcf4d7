package protocol

import (
	"errors"

	"voxelstack.ai/internal/stack/codec"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Engine routing/state.
	ErrBusy     = "E_BUSY"
	ErrNotFound = "E_NOT_FOUND"

	// Stacking layer.
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrCapacity          = "E_CAPACITY"
	ErrEmpty             = "E_EMPTY"
	ErrAlreadyRegistered = "E_ALREADY_REGISTERED"
	ErrIncompatible      = "E_INCOMPATIBLE"
	ErrUnstackable       = "E_UNSTACKABLE"
	ErrHostGone          = "E_HOST_GONE"
	ErrEncode            = "E_ENCODE"
	ErrInstantiate       = "E_INSTANTIATE"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrBusy:              {},
	ErrNotFound:          {},
	ErrBadRequest:        {},
	ErrCapacity:          {},
	ErrEmpty:             {},
	ErrAlreadyRegistered: {},
	ErrIncompatible:      {},
	ErrUnstackable:       {},
	ErrHostGone:          {},
	ErrEncode:            {},
	ErrInstantiate:       {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an engine error to its wire code. nil maps to "".
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	var encErr *codec.EncodeError
	var instErr *codec.InstantiateError
	switch {
	case errors.Is(err, model.ErrCapacityExceeded):
		return ErrCapacity
	case errors.Is(err, model.ErrEmpty):
		return ErrEmpty
	case errors.Is(err, model.ErrAlreadyRegistered):
		return ErrAlreadyRegistered
	case errors.Is(err, model.ErrNotRegistered):
		return ErrNotFound
	case errors.Is(err, model.ErrIncompatible):
		return ErrIncompatible
	case errors.Is(err, model.ErrUnstackable), errors.Is(err, registry.ErrSpawnerKind):
		return ErrUnstackable
	case errors.Is(err, registry.ErrHostGone):
		return ErrHostGone
	case errors.As(err, &encErr):
		return ErrEncode
	case errors.As(err, &instErr):
		return ErrInstantiate
	default:
		return ErrInternal
	}
}

func NewError(err error) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: CodeFor(err), Message: err.Error()}
}
