package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetglass/fleetglass/internal/db"
)

// GetAgent retrieves an agent by ID with its service roster attached.
func (s *gormStore) GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.gdb.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get: %w", err)
	}
	services, err := s.loadServices(s.gdb.WithContext(ctx), agent.ID)
	if err != nil {
		return nil, fmt.Errorf("agents: get: load services: %w", err)
	}
	agent.Services = services
	return &agent, nil
}

// GetAgentByKey authenticates an agent credential: only registered agents
// resolve, everything else is ErrNotFound. The roster is attached.
func (s *gormStore) GetAgentByKey(ctx context.Context, key uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.gdb.WithContext(ctx).
		First(&agent, "key = ? AND registration_status = ?", key, db.RegistrationRegistered).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by key: %w", err)
	}
	services, err := s.loadServices(s.gdb.WithContext(ctx), agent.ID)
	if err != nil {
		return nil, fmt.Errorf("agents: get by key: load services: %w", err)
	}
	agent.Services = services
	return &agent, nil
}

// GetUserAgent retrieves one of userID's agents. Agents owned by other users
// are reported as ErrNotFound, never as a permission error.
func (s *gormStore) GetUserAgent(ctx context.Context, userID int64, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.gdb.WithContext(ctx).First(&agent, "id = ? AND owner_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get user agent: %w", err)
	}
	services, err := s.loadServices(s.gdb.WithContext(ctx), agent.ID)
	if err != nil {
		return nil, fmt.Errorf("agents: get user agent: load services: %w", err)
	}
	agent.Services = services
	return &agent, nil
}

// ListUserAgents returns every non-unregistered agent the user owns, rosters
// attached, in creation order. This is the snapshot source for new stream
// subscribers.
func (s *gormStore) ListUserAgents(ctx context.Context, userID int64) ([]db.Agent, error) {
	var agents []db.Agent
	err := s.gdb.WithContext(ctx).
		Where("owner_id = ? AND registration_status <> ?", userID, db.RegistrationUnregistered).
		Order("created_at ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	for i := range agents {
		services, err := s.loadServices(s.gdb.WithContext(ctx), agents[i].ID)
		if err != nil {
			return nil, fmt.Errorf("agents: list: load services: %w", err)
		}
		agents[i].Services = services
	}
	return agents, nil
}

// UpdateAgentIP records the agent's current source address. Unchanged
// addresses are a no-op and emit no notification.
func (s *gormStore) UpdateAgentIP(ctx context.Context, id uuid.UUID, ip string) error {
	var agent *db.Agent
	changed := false

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.IPAddress != nil && *a.IPAddress == ip {
			return nil
		}
		if err := tx.Model(&a).Update("ip_address", ip).Error; err != nil {
			return err
		}
		a.IPAddress = &ip
		services, err := s.loadServices(tx, a.ID)
		if err != nil {
			return err
		}
		a.Services = services
		agent = &a
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("agents: update ip: %w", err)
	}

	if changed && s.notifier != nil {
		s.notifier.AgentUpdated(ctx, agent, agent.Services)
	}
	return nil
}

// MarkConnected records a live session: LastSeen clears, IsOnline raises.
// The two fields move together; LastSeen == nil is the liveness source of
// truth everywhere else.
func (s *gormStore) MarkConnected(ctx context.Context, id uuid.UUID) error {
	return s.setLiveness(ctx, id, true)
}

// MarkDisconnected records the end of an agent's last session, stamping
// LastSeen with the current time.
func (s *gormStore) MarkDisconnected(ctx context.Context, id uuid.UUID) error {
	return s.setLiveness(ctx, id, false)
}

func (s *gormStore) setLiveness(ctx context.Context, id uuid.UUID, online bool) error {
	var agent *db.Agent

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		updates := map[string]interface{}{"is_online": online}
		if online {
			updates["last_seen"] = nil
			a.LastSeen = nil
		} else {
			now := s.clock.Now().UTC()
			updates["last_seen"] = now
			a.LastSeen = &now
		}
		if err := tx.Model(&a).Updates(updates).Error; err != nil {
			return err
		}
		a.IsOnline = online
		services, err := s.loadServices(tx, a.ID)
		if err != nil {
			return err
		}
		a.Services = services
		agent = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("agents: set liveness: %w", err)
	}

	if s.notifier != nil {
		s.notifier.AgentStatusChanged(ctx, agent, agent.Services, online)
	}
	return nil
}

// TouchLastSeen stamps LastSeen without flipping IsOnline and without any
// notification. A draining session calls this before arming its grace timer
// so the offline announcement, if it comes, carries the disconnect time.
func (s *gormStore) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	result := s.gdb.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_seen", s.clock.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("agents: touch last seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeRegistration moves a claimed agent from pending to registered,
// recording the address it finalized from. Only the agent itself, holding
// the key it received through the registration poll, can do this.
func (s *gormStore) FinalizeRegistration(ctx context.Context, key uuid.UUID, ip string) (*db.Agent, error) {
	var agent *db.Agent

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.RegistrationStatus != db.RegistrationPending {
			return ErrNotPending
		}
		updates := map[string]interface{}{
			"registration_status": db.RegistrationRegistered,
			"ip_address":          ip,
		}
		if err := tx.Model(&a).Updates(updates).Error; err != nil {
			return err
		}
		a.RegistrationStatus = db.RegistrationRegistered
		a.IPAddress = &ip
		agent = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPending) {
			return nil, err
		}
		return nil, fmt.Errorf("agents: finalize registration: %w", err)
	}

	if s.notifier != nil {
		s.notifier.AgentUpdated(ctx, agent, nil)
	}
	return agent, nil
}

// Unregister retires an agent: its services are deleted and its status set
// to unregistered in one transaction. The key stops authenticating
// immediately; any live session is torn down by the notifier.
func (s *gormStore) Unregister(ctx context.Context, id uuid.UUID) error {
	var agent *db.Agent

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("agent_id = ?", a.ID).Delete(&db.Service{}).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"registration_status": db.RegistrationUnregistered,
			"is_online":           false,
		}
		if a.LastSeen == nil {
			// A live session never comes back for this agent, so the row
			// must not stay in the "connected" shape.
			now := s.clock.Now().UTC()
			updates["last_seen"] = now
			a.LastSeen = &now
		}
		if err := tx.Model(&a).Updates(updates).Error; err != nil {
			return err
		}
		a.RegistrationStatus = db.RegistrationUnregistered
		a.IsOnline = false
		a.Services = nil
		agent = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("agents: unregister: %w", err)
	}

	s.logger.Info("agent unregistered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("name", agent.Name))
	if s.notifier != nil {
		s.notifier.AgentUnregistered(ctx, agent)
	}
	return nil
}
