package protocol

// EVENT_BATCH_REQ (observer -> server)
type EventBatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
}

// EVENT_BATCH (server -> observer)
type EventBatchMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Events          []StackEventMsg `json:"events"`
	NextCursor      uint64          `json:"next_cursor"`
	WorldID         string          `json:"world_id,omitempty"`
}
