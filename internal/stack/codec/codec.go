package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"voxelstack.ai/internal/stack/host"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/rules"
)

// Version is the envelope layout version written into every blob.
const Version = 1

type envelope struct {
	V       int               `cbor:"1,keyasint"`
	Kind    uint8             `cbor:"2,keyasint"`
	Subtype string            `cbor:"3,keyasint"`
	Attrs   map[string]string `cbor:"4,keyasint,omitempty"`
	Native  []byte            `cbor:"5,keyasint"`
}

// State is a decoded member blob. It needs no simulation to exist.
type State struct {
	Kind    model.Kind
	Subtype string
	Attrs   map[string]string
	Native  []byte
}

// Candidate describes the decoded member as if it were a live object at loc.
func (s State) Candidate(id model.ObjectID, loc model.Location) model.Candidate {
	attrs := make(map[string]string, len(s.Attrs))
	for k, v := range s.Attrs {
		attrs[k] = v
	}
	return model.Candidate{ID: id, Kind: s.Kind, Subtype: s.Subtype, Location: loc, Attrs: attrs}
}

type EncodeError struct {
	ID  model.ObjectID
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode %s: %v", e.ID, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

type InstantiateError struct {
	Subtype string
	Err     error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instantiate %s: %v", e.Subtype, e.Err)
}
func (e *InstantiateError) Unwrap() error { return e.Err }

var (
	ErrUnknownSubtype = errors.New("unknown subtype")
	ErrObjectGone     = errors.New("object not in simulation")
	ErrKindMismatch   = errors.New("blob kind mismatch")
	ErrBadVersion     = errors.New("unsupported blob version")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

type Codec struct {
	host host.Capabilities
}

func New(h host.Capabilities) *Codec { return &Codec{host: h} }

// Encode captures the full state of a live object.
func (c *Codec) Encode(id model.ObjectID) (model.MemberBlob, error) {
	cand, ok := c.host.Describe(id)
	if !ok {
		return nil, &EncodeError{ID: id, Err: ErrObjectGone}
	}
	if _, ok := rules.Lookup(cand.Kind, cand.Subtype); !ok {
		return nil, &EncodeError{ID: id, Err: fmt.Errorf("%w: %s %s", ErrUnknownSubtype, cand.Kind, cand.Subtype)}
	}
	native, err := c.host.EncodeNative(id)
	if err != nil {
		return nil, &EncodeError{ID: id, Err: err}
	}
	b, err := Marshal(State{Kind: cand.Kind, Subtype: cand.Subtype, Attrs: cand.Attrs, Native: native})
	if err != nil {
		return nil, &EncodeError{ID: id, Err: err}
	}
	return b, nil
}

// Marshal writes a state as a member blob. Canonical CBOR keeps equal states
// byte-identical.
func Marshal(s State) (model.MemberBlob, error) {
	env := envelope{
		V:       Version,
		Kind:    uint8(s.Kind),
		Subtype: s.Subtype,
		Attrs:   s.Attrs,
		Native:  s.Native,
	}
	if len(env.Attrs) == 0 {
		env.Attrs = nil
	}
	return encMode.Marshal(env)
}

// Decode parses a member blob of the expected kind.
func Decode(blob model.MemberBlob, kind model.Kind) (State, error) {
	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return State{}, fmt.Errorf("decode member: %w", err)
	}
	if env.V != Version {
		return State{}, fmt.Errorf("%w: %d", ErrBadVersion, env.V)
	}
	k := model.Kind(env.Kind)
	if !k.Valid() {
		return State{}, fmt.Errorf("decode member: invalid kind %d", env.Kind)
	}
	if k != kind {
		return State{}, fmt.Errorf("%w: blob=%s want=%s", ErrKindMismatch, k, kind)
	}
	if env.Subtype == "" {
		return State{}, errors.New("decode member: empty subtype")
	}
	return State{Kind: k, Subtype: env.Subtype, Attrs: env.Attrs, Native: env.Native}, nil
}

// Validate reports whether blob decodes as a member of kind.
func Validate(blob model.MemberBlob, kind model.Kind) error {
	_, err := Decode(blob, kind)
	return err
}

// NewIdentity returns identity overrides for a freshly materialized object.
func NewIdentity() host.Identity {
	return host.Identity{ID: model.ObjectID(uuid.NewString())}
}

// Instantiate creates a live object from a decoded state at loc. On any
// failure nothing is left in the simulation.
func (c *Codec) Instantiate(s State, loc model.Location, ident host.Identity) (model.ObjectID, error) {
	if ident.ID == "" {
		ident = NewIdentity()
	}
	d, err := c.host.DecodeNative(s.Kind, s.Native)
	if err != nil {
		return "", &InstantiateError{Subtype: s.Subtype, Err: err}
	}
	id, err := c.host.InstantiateNative(d, loc, ident)
	if err != nil {
		return "", &InstantiateError{Subtype: s.Subtype, Err: err}
	}
	if err := c.host.InsertIntoSimulation(id, loc); err != nil {
		_ = c.host.RemoveFromSimulation(id)
		return "", &InstantiateError{Subtype: s.Subtype, Err: err}
	}
	return id, nil
}

// Descriptor decodes the native part of a state through the simulation,
// for loot drops and other uses that do not create an object.
func (c *Codec) Descriptor(s State) (host.Descriptor, error) {
	return c.host.DecodeNative(s.Kind, s.Native)
}
