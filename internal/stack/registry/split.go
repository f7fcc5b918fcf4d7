package registry

import (
	"errors"
	"fmt"

	"voxelstack.ai/internal/stack/codec"
	"voxelstack.ai/internal/stack/model"
)

// splitRing is the placement pattern around a host, walked in order.
var splitRing = [][2]float64{
	{1, 0}, {0, 1}, {-1, 0}, {0, -1},
	{1, 1}, {-1, 1}, {-1, -1}, {1, -1},
}

func (r *Registry) splitLocation(host model.Location) model.Location {
	d := splitRing[r.splitCursor%len(splitRing)]
	r.splitCursor++
	return host.Offset(d[0]*r.spread, 0, d[1]*r.spread)
}

// SplitOne materializes the most recently absorbed member next to the host.
// The host itself is never released. If the member cannot be placed it stays
// in the stack.
func (r *Registry) SplitOne(h Handle) (model.ObjectID, error) {
	e, ok := r.byHandle[h]
	if !ok {
		return "", model.ErrNotRegistered
	}
	self, ok := r.locate(e)
	if !ok {
		return "", fmt.Errorf("split %s: %w", e.st.Host, ErrHostGone)
	}
	blob, err := e.st.ReleaseOne()
	if err != nil {
		return "", err
	}
	id, err := r.materialize(e, blob, self.Location)
	if err != nil {
		var ie *codec.InstantiateError
		if errors.As(err, &ie) {
			e.st.Push(blob)
		}
		return "", err
	}
	r.out.StackSplit(r.info(e), 1)
	return id, nil
}

// SplitAll materializes every member, oldest first, and leaves the host as a
// stack of size 1. Members that fail to instantiate are kept in the stack;
// undecodable members are dropped. Per-member errors are joined.
func (r *Registry) SplitAll(h Handle) ([]model.ObjectID, error) {
	e, ok := r.byHandle[h]
	if !ok {
		return nil, model.ErrNotRegistered
	}
	self, ok := r.locate(e)
	if !ok {
		return nil, fmt.Errorf("split %s: %w", e.st.Host, ErrHostGone)
	}
	blobs := e.st.ReleaseAll()
	ids := make([]model.ObjectID, 0, len(blobs))
	var kept []model.MemberBlob
	var errs []error
	for _, b := range blobs {
		id, err := r.materialize(e, b, self.Location)
		if err != nil {
			errs = append(errs, err)
			var ie *codec.InstantiateError
			if errors.As(err, &ie) {
				kept = append(kept, b)
			}
			continue
		}
		ids = append(ids, id)
	}
	e.st.Restore(kept)
	if len(ids) > 0 {
		r.out.StackSplit(r.info(e), len(ids))
	}
	return ids, errors.Join(errs...)
}

func (r *Registry) materialize(e *entry, blob model.MemberBlob, near model.Location) (model.ObjectID, error) {
	state, err := codec.Decode(blob, e.st.Kind)
	if err != nil {
		r.log.Printf("split %s: dropping corrupt member: %v", e.st, err)
		return "", err
	}
	return r.codec.Instantiate(state, r.splitLocation(near), codec.NewIdentity())
}
