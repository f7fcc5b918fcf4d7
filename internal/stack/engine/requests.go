package engine

import (
	"context"
	"errors"
	"fmt"

	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
	"voxelstack.ai/internal/stack/rules"
	"voxelstack.ai/internal/stack/spawner"
)

var errNoRules = errors.New("no ruleset given")

type Op string

const (
	OpRegister      Op = "REGISTER"
	OpMerge         Op = "MERGE"
	OpSplitOne      Op = "SPLIT_ONE"
	OpSplitAll      Op = "SPLIT_ALL"
	OpUnregister    Op = "UNREGISTER"
	OpPromote       Op = "PROMOTE"
	OpClearAll      Op = "CLEAR_ALL"
	OpUnloadRegion  Op = "UNLOAD_REGION"
	OpLoadRegion    Op = "LOAD_REGION"
	OpInjectSpawner Op = "INJECT_SPAWNER"
	OpSetMultiplier Op = "SET_MULTIPLIER"
	OpRemoveSpawner Op = "REMOVE_SPAWNER"
	OpSwapRules     Op = "SWAP_RULES"
	OpState         Op = "STATE"
)

// Request is a mutation (or read) applied on the tick goroutine.
type Request struct {
	Op     Op
	Host   model.ObjectID
	Source model.ObjectID
	Kind   model.Kind
	Reason registry.Reason
	Region model.RegionKey
	N      int
	// Rules is the table installed by OpSwapRules, parsed off the tick goroutine.
	Rules *rules.Ruleset

	Resp chan Result
}

type Result struct {
	Tick     uint64
	Count    int
	Host     model.ObjectID
	IDs      []model.ObjectID
	Stacks   []registry.Info
	Spawners []spawner.Source
	Err      error
}

// Submit queues req for the next tick and returns the channel its result
// arrives on. It never blocks; a full queue answers ErrBusy right away.
func (e *Engine) Submit(req Request) <-chan Result {
	if req.Resp == nil {
		req.Resp = make(chan Result, 1)
	}
	select {
	case e.requests <- req:
	default:
		req.Resp <- Result{Tick: e.tick.Load(), Err: ErrBusy}
	}
	return req.Resp
}

// Do submits req and waits for its result.
func (e *Engine) Do(ctx context.Context, req Request) (Result, error) {
	ch := e.Submit(req)
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) apply(req Request) Result {
	var res Result
	switch req.Op {
	case OpRegister:
		h, err := e.reg.Register(req.Host, req.Kind)
		if err == nil {
			info, _ := e.reg.Stack(h)
			res.Stacks = []registry.Info{info}
		}
		res.Err = err
	case OpMerge:
		t, ok1 := e.reg.FindByHost(req.Host)
		s, ok2 := e.reg.FindByHost(req.Source)
		if !ok1 || !ok2 {
			res.Err = fmt.Errorf("merge %s <- %s: %w", req.Host, req.Source, model.ErrNotRegistered)
			break
		}
		res.Count, res.Err = e.reg.Merge(t, s)
		e.totals.merged.Add(uint64(res.Count))
	case OpSplitOne:
		h, ok := e.reg.FindByHost(req.Host)
		if !ok {
			res.Err = fmt.Errorf("split %s: %w", req.Host, model.ErrNotRegistered)
			break
		}
		id, err := e.reg.SplitOne(h)
		if err == nil {
			res.IDs = []model.ObjectID{id}
			res.Count = 1
		}
		res.Err = err
	case OpSplitAll:
		h, ok := e.reg.FindByHost(req.Host)
		if !ok {
			res.Err = fmt.Errorf("split %s: %w", req.Host, model.ErrNotRegistered)
			break
		}
		res.IDs, res.Err = e.reg.SplitAll(h)
		res.Count = len(res.IDs)
	case OpUnregister:
		reason := req.Reason
		if reason == 0 {
			reason = registry.ReasonRemoved
		}
		res.Err = e.reg.Unregister(req.Host, reason)
	case OpPromote:
		res.Host, res.Err = e.reg.Promote(req.Host)
	case OpClearAll:
		res.Count = e.reg.ClearAll(req.Kind)
	case OpUnloadRegion:
		res.Count, res.Err = e.unloadRegion(req.Region)
	case OpLoadRegion:
		res.Count, res.Err = e.loadRegion(req.Region)
	case OpInjectSpawner:
		src, err := e.spawners.Inject(req.Source, req.N)
		if err == nil {
			res.Spawners = []spawner.Source{src}
		}
		res.Err = err
	case OpSetMultiplier:
		res.Count, res.Err = e.spawners.SetMultiplier(req.Source, req.N)
	case OpRemoveSpawner:
		res.Err = e.spawners.Remove(req.Source)
	case OpSwapRules:
		if req.Rules == nil {
			res.Err = fmt.Errorf("swap rules: %w", errNoRules)
			break
		}
		e.rules.Swap(req.Rules)
		res.Count = len(req.Rules.Digests())
		e.emit(protocol.StackEventMsg{Event: protocol.EventRulesLoaded, Count: res.Count})
	case OpState:
		for _, h := range e.reg.Handles() {
			if info, ok := e.reg.Stack(h); ok {
				res.Stacks = append(res.Stacks, info)
			}
		}
		res.Spawners = e.spawners.Sources()
		res.Count = len(res.Stacks)
	default:
		res.Err = fmt.Errorf("unknown op %q", req.Op)
	}
	return res
}
