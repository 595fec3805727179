package model

import "time"

// PushState mirrors the push-channel session.
type PushState struct {
	Connected         bool      `json:"connected"`
	Phase             string    `json:"phase"`
	Endpoint          string    `json:"endpoint"`
	LastMessage       time.Time `json:"lastMessage"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
}

// PollState mirrors the fallback poller.
type PollState struct {
	Running           bool          `json:"running"`
	Connected         bool          `json:"connected"`
	LastSuccess       time.Time     `json:"lastSuccess"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	Interval          time.Duration `json:"interval"`
}

// APIHealth records the health probe result of each upstream service.
type APIHealth struct {
	Treasury  bool      `json:"treasury"`
	Platform  bool      `json:"platform"`
	LastCheck time.Time `json:"lastCheck"`
}

// ChainState records the RPC view of the settlement chain.
type ChainState struct {
	Connected   bool      `json:"connected"`
	Endpoint    string    `json:"endpoint"`
	ChainID     int64     `json:"chainId"`
	BlockNumber uint64    `json:"blockNumber"`
	LastBlock   time.Time `json:"lastBlock"`
	Errors      int       `json:"errors"`
}

// ConnectionState is the process-wide transport view.
type ConnectionState struct {
	Push  PushState  `json:"push"`
	Poll  PollState  `json:"poll"`
	API   APIHealth  `json:"api"`
	Chain ChainState `json:"chain"`
}

// Live reports whether at least one transport is currently delivering data.
func (c ConnectionState) Live() bool {
	return c.Push.Connected || c.Poll.Connected
}
