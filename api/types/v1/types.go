// Package types defines the JSON types of the callbridge HTTP API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	NodeID      string `json:"node_id,omitempty"`
	OpenDevices int    `json:"open_devices"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	TotalDevices   int            `json:"total_devices"`
	DevicesByState map[string]int `json:"devices_by_status"`
	ActiveCalls    int            `json:"active_calls"`
	CallsByStatus  map[string]int `json:"calls_by_status"`
}

// Contact is the identity linked to a device
type Contact struct {
	Phone          string `json:"phone"`
	Name           string `json:"name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Device represents one device connection
type Device struct {
	Token     string   `json:"token"`
	Status    string   `json:"status"`
	QRCode    string   `json:"qrcode,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`
	Connected bool     `json:"connected"`
}

// PairingCodeRequest is the body of POST /api/v1/devices/{token}/pairing-code
type PairingCodeRequest struct {
	Phone string `json:"phone"`
}

// PairingCodeResponse carries the code to type on the phone
type PairingCodeResponse struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// WakeResponse is the response from POST /api/v1/devices/{token}/wake
type WakeResponse struct {
	Token string `json:"token"`
	Waken bool   `json:"waken"`
}

// Peer is the far end of a call
type Peer struct {
	Phone          string `json:"phone"`
	DisplayName    string `json:"display_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	Muted          bool   `json:"muted"`
}

// RTT is a round-trip time summary in seconds
type RTT struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Counter summarises one media direction
type Counter struct {
	Total      int64 `json:"total"`
	TotalBytes int64 `json:"total_bytes"`
	Loss       int64 `json:"loss"`
}

// CallStats is the last statistics snapshot of a call
type CallStats struct {
	RTT RTT     `json:"rtt"`
	TX  Counter `json:"tx"`
	RX  Counter `json:"rx"`
}

// Call represents a call session
type Call struct {
	ID               string     `json:"id"`
	DeviceToken      string     `json:"device_token"`
	Direction        string     `json:"direction"`
	Status           string     `json:"status"`
	Peer             Peer       `json:"peer"`
	Muted            bool       `json:"muted"`
	Transport        string     `json:"transport,omitempty"`
	ConnectionStatus string     `json:"connection_status,omitempty"`
	Stats            *CallStats `json:"stats,omitempty"`
	CreatedAt        string     `json:"created_at"`
	ActiveAt         string     `json:"active_at,omitempty"`
	Duration         int        `json:"duration"`
}

// StartCallRequest is the body of POST /api/v1/calls
type StartCallRequest struct {
	To         string   `json:"to"`
	FromTokens []string `json:"from_tokens,omitempty"`
}

// DeviceFailure is one device that could not place a call
type DeviceFailure struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string          `json:"error"`
	Devices []DeviceFailure `json:"devices,omitempty"`
}

// ActionResponse acknowledges a call action
type ActionResponse struct {
	Message string `json:"message"`
	CallID  string `json:"call_id"`
}
