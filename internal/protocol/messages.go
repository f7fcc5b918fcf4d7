package protocol

// Stack event names.
const (
	EventCreated     = "CREATED"
	EventMerged      = "MERGED"
	EventSplit       = "SPLIT"
	EventRemoved     = "REMOVED"
	EventPromoted    = "PROMOTED"
	EventSpawnerTick = "SPAWNER_TICK"
	EventRegionSaved = "REGION_SAVED"
	EventRegionLoad  = "REGION_LOADED"
	EventRulesLoaded = "RULES_LOADED"
)

// STACK_EVENT (server -> observer, also the event log line)
type StackEventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Cursor          uint64 `json:"cursor"`
	Tick            uint64 `json:"tick"`
	WorldID         string `json:"world_id,omitempty"`

	Event    string     `json:"event"`
	Handle   uint64     `json:"handle,omitempty"`
	Host     string     `json:"host,omitempty"`
	PrevHost string     `json:"prev_host,omitempty"`
	Kind     string     `json:"kind,omitempty"`
	Subtype  string     `json:"subtype,omitempty"`
	Size     int        `json:"size,omitempty"`
	Count    int        `json:"count,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Region   *RegionRef `json:"region,omitempty"`
	Pos      [3]float64 `json:"pos"`
	XP       int        `json:"xp,omitempty"`
	Failed   int        `json:"failed,omitempty"`
}

type RegionRef struct {
	World string `json:"world"`
	CX    int    `json:"cx"`
	CZ    int    `json:"cz"`
}

// SUBSCRIBE (observer -> server). Empty Kinds means every kind.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Kinds           []string `json:"kinds,omitempty"`
	Events          []string `json:"events,omitempty"`
}

// Bootstrap is served over plain HTTP before an observer opens the stream.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	WorldID         string       `json:"world_id"`
	Tick            uint64       `json:"tick"`
	TickRateHz      int          `json:"tick_rate_hz"`
	Cursor          uint64       `json:"cursor"`
	Stacks          []StackRef   `json:"stacks"`
	Spawners        []SpawnerRef `json:"spawners"`
}

type StackRef struct {
	Handle  uint64     `json:"handle"`
	Host    string     `json:"host"`
	Kind    string     `json:"kind"`
	Subtype string     `json:"subtype"`
	Size    int        `json:"size"`
	Pos     [3]float64 `json:"pos"`
}

type SpawnerRef struct {
	Source     string     `json:"source"`
	Subtype    string     `json:"subtype"`
	Multiplier int        `json:"multiplier"`
	Pos        [3]float64 `json:"pos"`
}

// ERROR (server -> client, also the admin HTTP error body)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
