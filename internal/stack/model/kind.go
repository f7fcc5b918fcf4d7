package model

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindEntity Kind = iota + 1
	KindItem
	KindBlock
	KindSpawner
)

var kindNames = map[Kind]string{
	KindEntity:  "ENTITY",
	KindItem:    "ITEM",
	KindBlock:   "BLOCK",
	KindSpawner: "SPAWNER",
}

// Kinds lists every stackable kind in a stable order.
func Kinds() []Kind { return []Kind{KindEntity, KindItem, KindBlock, KindSpawner} }

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND_%d", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// HasMembers reports whether stacks of this kind carry member blobs.
// Spawner stacks only carry a multiplier.
func (k Kind) HasMembers() bool { return k == KindEntity || k == KindItem || k == KindBlock }

func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stack kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
