// Package store is the persistence layer for agents, services, registrations
// and push devices, plus the change-notification seam between writes and the
// broadcast fan-out.
//
// Every mutating method runs inside one transaction and reports the change to
// the configured ChangeNotifier only after the transaction commits, so
// subscribers never observe state that was subsequently rolled back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetglass/fleetglass/internal/db"
)

// Sentinel errors. Callers compare with errors.Is.
var (
	// ErrNotFound is returned when the requested record does not exist, is
	// soft-hidden by its registration status, or belongs to another user.
	ErrNotFound = errors.New("store: record not found")

	// ErrNotPending is returned when finalization targets an agent that is
	// not in the pending state.
	ErrNotPending = errors.New("store: agent is not pending")

	// ErrInvalidCode is returned when a claim names a code that does not
	// exist, is expired, or was already consumed. Deliberately
	// indistinguishable from a typo.
	ErrInvalidCode = errors.New("store: invalid or expired code")

	// ErrTooManyAttempts is returned once a registration accumulates the
	// maximum number of failed claim attempts and locks itself out.
	ErrTooManyAttempts = errors.New("store: too many failed attempts")
)

// MaxClaimAttempts is the number of failed claims that expires a
// registration.
const MaxClaimAttempts = 5

// ChangeNotifier receives committed state changes. Implementations must not
// block: they are called synchronously on the write path after commit.
// Notification failures are the notifier's problem; none of these return
// errors because the write has already happened.
type ChangeNotifier interface {
	// AgentStatusChanged fires on online/offline transitions. services is
	// the agent's roster at commit time.
	AgentStatusChanged(ctx context.Context, agent *db.Agent, services []db.Service, online bool)

	// AgentUpdated fires on agent-level changes that are not liveness
	// transitions (IP change, finalized registration).
	AgentUpdated(ctx context.Context, agent *db.Agent, services []db.Service)

	// ServiceAdded fires when a service appears on a connected agent.
	ServiceAdded(ctx context.Context, agent *db.Agent, service *db.Service)

	// ServiceRemoved fires when a service is removed by the agent.
	ServiceRemoved(ctx context.Context, agent *db.Agent, serviceID string)

	// ServiceStatusUpdated fires on every status report. oldStatus is the
	// stored status before this report, captured inside the transaction.
	ServiceStatusUpdated(ctx context.Context, agent *db.Agent, service *db.Service, oldStatus string)

	// AgentUnregistered fires after an owner unregisters an agent. Any
	// live session for the agent must be torn down.
	AgentUnregistered(ctx context.Context, agent *db.Agent)
}

// Store is the persistence contract the transport layers depend on.
type Store interface {
	// SetNotifier installs the post-commit notifier. Must be called during
	// wiring, before the store handles traffic.
	SetNotifier(n ChangeNotifier)

	// Agents.
	GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetAgentByKey(ctx context.Context, key uuid.UUID) (*db.Agent, error)
	GetUserAgent(ctx context.Context, userID int64, id uuid.UUID) (*db.Agent, error)
	ListUserAgents(ctx context.Context, userID int64) ([]db.Agent, error)
	UpdateAgentIP(ctx context.Context, id uuid.UUID, ip string) error
	MarkConnected(ctx context.Context, id uuid.UUID) error
	MarkDisconnected(ctx context.Context, id uuid.UUID) error
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	FinalizeRegistration(ctx context.Context, key uuid.UUID, ip string) (*db.Agent, error)
	Unregister(ctx context.Context, id uuid.UUID) error

	// Registration codes.
	CreateRegistration(ctx context.Context, ttl time.Duration) (*db.AgentRegistration, error)
	GetRegistration(ctx context.Context, id uuid.UUID) (*db.AgentRegistration, error)
	ClaimRegistration(ctx context.Context, code string, userID int64, gracePeriodSeconds int) (*db.Agent, error)
	DeleteRegistration(ctx context.Context, id uuid.UUID) error
	PurgeExpiredRegistrations(ctx context.Context, olderThan time.Duration) (int64, error)

	// Services.
	SyncServices(ctx context.Context, agentID uuid.UUID, services []db.Service) error
	AddService(ctx context.Context, agentID uuid.UUID, service db.Service) error
	RemoveService(ctx context.Context, agentID uuid.UUID, serviceID string) error
	UpdateServiceStatus(ctx context.Context, agentID uuid.UUID, serviceID, status, message string, timestamp time.Time) error

	// Push devices.
	RegisterDevice(ctx context.Context, userID int64, token, deviceName, osName string) (*db.Device, error)
	RemoveDevice(ctx context.Context, userID int64, token string) error
	ListActiveDevices(ctx context.Context, userID int64) ([]db.Device, error)
}

// gormStore is the GORM implementation of Store.
type gormStore struct {
	gdb      *gorm.DB
	clock    clockwork.Clock
	logger   *zap.Logger
	notifier ChangeNotifier
}

// New returns a Store backed by the provided *gorm.DB. The clock is
// injectable so liveness timestamps are testable.
func New(gdb *gorm.DB, clock clockwork.Clock, logger *zap.Logger) Store {
	return &gormStore{
		gdb:    gdb,
		clock:  clock,
		logger: logger.Named("store"),
	}
}

func (s *gormStore) SetNotifier(n ChangeNotifier) {
	s.notifier = n
}

// loadServices returns an agent's roster in insertion order.
func (s *gormStore) loadServices(tx *gorm.DB, agentID uuid.UUID) ([]db.Service, error) {
	var services []db.Service
	err := tx.Where("agent_id = ?", agentID).Order("created_at ASC").Find(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}
