// Package host declares what the stacking engine needs from the simulation it
// runs inside. Nothing here manipulates engine internals; the simulation
// provides an implementation.
package host

import (
	"math/rand"

	"voxelstack.ai/internal/stack/model"
)

// Descriptor is the simulation's own decoded form of native object state.
type Descriptor any

// Identity carries the fields overwritten when an object is re-created.
type Identity struct {
	ID model.ObjectID
}

type Capabilities interface {
	// Describe resolves an object by identity. ok is false once the object is
	// gone from the simulation.
	Describe(id model.ObjectID) (c model.Candidate, ok bool)

	EncodeNative(id model.ObjectID) ([]byte, error)
	DecodeNative(kind model.Kind, raw []byte) (Descriptor, error)
	// InstantiateNative creates an object that is not yet part of the live
	// simulation. Position, rotation and identity come from loc and ident.
	InstantiateNative(d Descriptor, loc model.Location, ident Identity) (model.ObjectID, error)

	RemoveFromSimulation(id model.ObjectID) error
	InsertIntoSimulation(id model.ObjectID, loc model.Location) error

	QueryNearby(loc model.Location, radius float64, kind model.Kind) []model.ObjectID

	// DropLoot materializes the drops of one dead object.
	DropLoot(d Descriptor, loc model.Location) error
}

// SpawnOutcome is the result of one spawn attempt by a spawner source.
type SpawnOutcome struct {
	Spawned bool
	ID      model.ObjectID
	XP      int
}

type Spawner interface {
	// AttemptSpawn runs one independent spawn attempt for a spawner source.
	AttemptSpawn(source model.ObjectID, subtype string, rng *rand.Rand) (SpawnOutcome, error)
}
