package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Registration status values for Agent.RegistrationStatus.
const (
	RegistrationPending      = "pending"
	RegistrationRegistered   = "registered"
	RegistrationUnregistered = "unregistered"
)

// Agent represents a remote monitoring agent supervising a set of services
// on one host. The Key is the agent's bearer credential: it is generated
// server-side during registration, handed to the agent exactly once through
// the registration polling endpoint, and never exposed through any other API.
//
// Liveness is tracked with a single source of truth: LastSeen == nil means
// the agent currently holds a live session. IsOnline mirrors that condition
// but is only flipped by MarkConnected/MarkDisconnected, which lets the
// grace period debounce flapping connections before users see an offline
// transition.
type Agent struct {
	Base
	Key                uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	Name               string    `gorm:"size:50;not null"`
	OwnerID            int64     `gorm:"not null;index"`
	RegistrationStatus string    `gorm:"size:20;not null;default:'pending'"`
	IPAddress          *string
	IsOnline           bool `gorm:"not null;default:false"`
	LastSeen           *time.Time
	// GracePeriod is how long a disconnected agent may stay silent before it
	// is announced offline. Stored in seconds, zero disables the grace window.
	GracePeriod int `gorm:"not null;default:0"`

	// Services is populated by explicit queries in the store layer. GORM
	// cannot resolve foreign keys when the primary key is uuid.UUID (a custom
	// type), so association loading is done manually.
	Services []Service `gorm:"-"`
}

// GraceDuration returns the grace period as a time.Duration.
func (a *Agent) GraceDuration() time.Duration {
	return time.Duration(a.GracePeriod) * time.Second
}

// -----------------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------------

// Status values for Service.LastStatus. These mirror the wire enum of the
// agent event schema; Unknown is the creation default until the first
// status report arrives.
const (
	StatusOK      = "OK"
	StatusUpdate  = "UPDATE"
	StatusWarning = "WARNING"
	StatusFailure = "FAILURE"
	StatusError   = "ERROR"
	StatusUnknown = "UNKNOWN"
)

// Service is a single supervised unit reported by an agent. AgentServiceID is
// the agent-chosen human-readable identifier; it is unique per agent but not
// globally, so the composite (agent_id, agent_service_id) is the natural key
// used by all agent-originated mutations.
type Service struct {
	Base
	AgentID        uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_services_agent_local,priority:1"`
	AgentServiceID string    `gorm:"not null;uniqueIndex:idx_services_agent_local,priority:2"`
	Name           string    `gorm:"not null"`
	Description    string    `gorm:"type:text;default:''"`
	Version        string    `gorm:"size:50;default:''"`
	Schedule       string    `gorm:"default:''"`

	// Last known dynamic state, written only by status updates.
	LastStatus  string `gorm:"size:10;not null;default:'UNKNOWN'"`
	LastMessage string `gorm:"type:text;default:''"`
	LastSeen    *time.Time
}

// -----------------------------------------------------------------------------
// Registrations
// -----------------------------------------------------------------------------

// Status values for AgentRegistration.Status.
const (
	RegStatusPending   = "pending"
	RegStatusCompleted = "completed"
	RegStatusExpired   = "expired"
)

// AgentRegistration is a short-lived record pairing a 6-digit code with a
// not-yet-claimed agent slot. The agent polls the status endpoint with the
// registration ID; the user types the code into their client. Once the claim
// succeeds the agent key is stored encrypted in AgentKey and handed out on
// the next poll, after which the record is deleted.
//
// FailedAttempts counts wrong-code claims made while this registration was
// pending; at five the record flips to expired, which caps how much of the
// 6-digit space a brute-forcing client can probe per registration window.
type AgentRegistration struct {
	Base
	Code           string    `gorm:"size:6;not null;index"`
	Status         string    `gorm:"size:10;not null;default:'pending'"`
	ExpiresAt      time.Time `gorm:"not null;index"`
	FailedAttempts int       `gorm:"not null;default:0"`

	// AgentKey carries the claimed agent's key, encrypted at rest. Empty
	// until the registration completes.
	AgentKey EncryptedString `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Devices
// -----------------------------------------------------------------------------

// Device status values.
const (
	DeviceActive   = "active"
	DeviceInactive = "inactive"
)

// Device is a mobile device registered for push notifications. A user may
// have several devices; the (user_id, token) pair is unique so re-registering
// the same token is an upsert, not a duplicate.
type Device struct {
	Base
	UserID     int64  `gorm:"not null;uniqueIndex:idx_devices_user_token,priority:1"`
	Token      string `gorm:"not null;uniqueIndex:idx_devices_user_token,priority:2"`
	DeviceName string `gorm:"default:''"`
	OSName     string `gorm:"size:50;default:''"`
	Status     string `gorm:"size:20;not null;default:'active'"`
}
