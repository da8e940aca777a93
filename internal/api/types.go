package api

import "github.com/dealcoach/server/internal/bridge"

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	ActiveCalls int    `json:"activeCalls"`
}

// SessionsResponse lists live telephony bridges and every active call,
// including calls driven only from the dashboard
type SessionsResponse struct {
	Sessions    []bridge.Info `json:"sessions"`
	ActiveCalls []string      `json:"activeCalls"`
}

// SessionResponse describes one active call and its bridge, if the
// telephony leg is attached
type SessionResponse struct {
	SessionID string       `json:"sessionId"`
	Active    bool         `json:"active"`
	Bridge    *bridge.Info `json:"bridge,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
