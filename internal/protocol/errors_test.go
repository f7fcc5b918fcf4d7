package protocol

import (
	"errors"
	"fmt"
	"testing"

	"voxelstack.ai/internal/stack/codec"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBusy,
		ErrNotFound,
		ErrBadRequest,
		ErrCapacity,
		ErrEmpty,
		ErrAlreadyRegistered,
		ErrIncompatible,
		ErrUnstackable,
		ErrHostGone,
		ErrEncode,
		ErrInstantiate,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{model.ErrCapacityExceeded, ErrCapacity},
		{fmt.Errorf("split: %w", model.ErrEmpty), ErrEmpty},
		{fmt.Errorf("register x: %w", model.ErrAlreadyRegistered), ErrAlreadyRegistered},
		{model.ErrNotRegistered, ErrNotFound},
		{registry.ErrHostGone, ErrHostGone},
		{registry.ErrSpawnerKind, ErrUnstackable},
		{&codec.EncodeError{ID: "E1", Err: errors.New("x")}, ErrEncode},
		{errors.Join(errors.New("a"), &codec.InstantiateError{Subtype: "ZOMBIE", Err: errors.New("b")}), ErrInstantiate},
		{errors.New("boom"), ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v)=%q want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(CodeFor(tc.err)) {
			t.Fatalf("unknown code for %v", tc.err)
		}
	}
}
