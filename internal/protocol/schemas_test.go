package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelstack.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	// Round-trips a Go value through JSON so the schema sees what goes on the wire.
	wire := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	eventSchema := compile("stack_event.schema.json")
	subscribeSchema := compile("subscribe.schema.json")
	batchSchema := compile("event_batch.schema.json")
	bootstrapSchema := compile("bootstrap.schema.json")

	merged := protocol.StackEventMsg{
		Type:            protocol.TypeStackEvent,
		ProtocolVersion: protocol.Version,
		Cursor:          7,
		Tick:            120,
		WorldID:         "world_1",
		Event:           protocol.EventMerged,
		Handle:          3,
		Host:            "E000001",
		Kind:            "ENTITY",
		Subtype:         "ZOMBIE",
		Size:            64,
		Count:           6,
		Region:          &protocol.RegionRef{World: "world_1", CX: 0, CZ: -1},
		Pos:             [3]float64{8, 64, -8},
	}
	validate(eventSchema, wire(merged))

	var sub any
	_ = json.Unmarshal([]byte(`{
	  "type":"SUBSCRIBE",
	  "protocol_version":"1.0",
	  "kinds":["ENTITY","SPAWNER"],
	  "events":["MERGED","SPLIT"]
	}`), &sub)
	validate(subscribeSchema, sub)

	batch := protocol.EventBatchMsg{
		Type:            protocol.TypeEventBatch,
		ProtocolVersion: protocol.Version,
		ReqID:           "r1",
		Events:          []protocol.StackEventMsg{merged},
		NextCursor:      8,
	}
	validate(batchSchema, wire(batch))

	boot := protocol.BootstrapResponse{
		ProtocolVersion: protocol.Version,
		WorldID:         "world_1",
		Tick:            120,
		TickRateHz:      20,
		Cursor:          8,
		Stacks:          []protocol.StackRef{{Handle: 3, Host: "E000001", Kind: "ENTITY", Subtype: "ZOMBIE", Size: 64}},
		Spawners:        []protocol.SpawnerRef{{Source: "S000009", Subtype: "ZOMBIE", Multiplier: 4}},
	}
	validate(bootstrapSchema, wire(boot))

	bad := merged
	bad.Kind = "MOB"
	if err := eventSchema.Validate(wire(bad)); err == nil {
		t.Fatalf("expected unknown kind rejected")
	}
}
