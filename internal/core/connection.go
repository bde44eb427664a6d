package core

import (
	"fmt"
	"time"
)

// Connection is the authoritative record of a live client connection.
// It is owned by the pool while alive; everyone else reads a copy.
type Connection struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	IsAdmin        bool      `json:"is_admin"`
	Address        string    `json:"address"`
	EstablishedAt  time.Time `json:"established_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// RSS bytes observed when the connection was admitted
	MemoryAtAdmit uint64 `json:"memory_at_admit"`
}

// ConnectionState tracks where a connection is in its lifecycle.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateRateLimiting
	StateAdmissionCheck
	StateAdmitted
	StateActive
	StateDisconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRateLimiting:
		return "rate_limiting"
	case StateAdmissionCheck:
		return "admission_check"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectReason is sent to the client on forced closes.
type DisconnectReason string

const (
	ReasonClientClose    DisconnectReason = "client_close"
	ReasonIdleEviction   DisconnectReason = "idle_eviction"
	ReasonMemoryPressure DisconnectReason = "memory_pressure"
	ReasonShutdown       DisconnectReason = "server_shutdown"
)

// Room names for the three logical channels. Every admitted connection
// joins its tenant room and its user room; admins additionally join the
// tenant admin room.
func TenantRoom(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

func UserRoom(tenantID, userID string) string {
	return fmt.Sprintf("tenant:%s:user:%s", tenantID, userID)
}

func AdminRoom(tenantID string) string {
	return fmt.Sprintf("tenant:%s:admins", tenantID)
}
