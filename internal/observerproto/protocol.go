package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Tiles asks for the live tile list with every CYCLE message.
	Tiles    bool `json:"tiles,omitempty"`
	MaxTiles int  `json:"max_tiles,omitempty"`
	// Streamers asks for STREAMER messages when tiles land.
	Streamers bool `json:"streamers,omitempty"`
}

// Client -> Server. Moves the headless camera. Reset starts the scene
// over at the new place instead of letting tiles shift.
type CameraMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Lng             float64 `json:"lng"`
	Lat             float64 `json:"lat"`
	ViewSize        float64 `json:"view_size,omitempty"`
	Distance        float64 `json:"distance,omitempty"`
	Reset           bool    `json:"reset,omitempty"`
}

// HTTP response for GET /debug/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Frame           uint64       `json:"frame"`
	FrameRateHz     int          `json:"frame_rate_hz"`
	Place           [2]float64   `json:"place"`
	BaseZoom        int          `json:"base_zoom"`
	MaxZoom         int          `json:"max_zoom"`
	Streamers       []StreamInfo `json:"streamers"`
}

type StreamInfo struct {
	Kind     string `json:"kind"`
	PoolSize int    `json:"pool_size"`
	TileSize int    `json:"tile_size"`
}

// Server -> Client. Sent after every LOD cycle.
type CycleMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           uint64 `json:"frame"`
	Cycle           uint64 `json:"cycle"`

	Seen        int      `json:"seen"`
	Conflicts   int      `json:"conflicts"`
	Splits      []string `json:"splits,omitempty"`
	Merges      []string `json:"merges,omitempty"`
	Shifted     int      `json:"shifted"`
	TileCount   int      `json:"tile_count"`
	SteadyState bool     `json:"steady_state"`
	Pipelined   bool     `json:"pipelined"`
	Distance    float64  `json:"distance,omitempty"`

	Tiles []TileState `json:"tiles,omitempty"`
}

type TileState struct {
	ID      uint16 `json:"id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Z       int    `json:"z"`
	Imagery string `json:"imagery"`
	// Downsample is how many levels above the tile its imagery comes from.
	Downsample int  `json:"downsample"`
	Seen       bool `json:"seen"`
}

// Server -> Client. New data landed in a streamer's pool.
type StreamerMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Frame           uint64   `json:"frame"`
	Kind            string   `json:"kind"`
	Landed          []string `json:"landed"`
	Occupied        int      `json:"occupied"`
	Capacity        int      `json:"capacity"`
	InFlight        int      `json:"in_flight"`
	Throttled       uint64   `json:"throttled"`
	Fallbacks       uint64   `json:"fallbacks"`
}
