package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetglass/fleetglass/internal/db"
)

// SyncServices reconciles the stored roster with the set an agent declared
// in its ready handshake: incoming services are upserted by their agent-local
// ID, everything else is deleted. Dynamic state on surviving rows is
// preserved. One transaction, no notification; the caller follows up with
// MarkConnected, whose broadcast carries the reconciled roster.
func (s *gormStore) SyncServices(ctx context.Context, agentID uuid.UUID, incoming []db.Service) error {
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadServices(tx, agentID)
		if err != nil {
			return err
		}
		byLocalID := make(map[string]*db.Service, len(existing))
		for i := range existing {
			byLocalID[existing[i].AgentServiceID] = &existing[i]
		}

		keep := make(map[string]struct{}, len(incoming))
		for i := range incoming {
			in := incoming[i]
			keep[in.AgentServiceID] = struct{}{}

			if cur, ok := byLocalID[in.AgentServiceID]; ok {
				updates := map[string]interface{}{
					"name":        in.Name,
					"description": in.Description,
					"version":     in.Version,
					"schedule":    in.Schedule,
				}
				if err := tx.Model(cur).Updates(updates).Error; err != nil {
					return err
				}
				continue
			}

			in.AgentID = agentID
			if in.LastStatus == "" {
				in.LastStatus = db.StatusUnknown
			}
			if err := tx.Create(&in).Error; err != nil {
				return err
			}
		}

		for localID := range byLocalID {
			if _, ok := keep[localID]; ok {
				continue
			}
			err := tx.Where("agent_id = ? AND agent_service_id = ?", agentID, localID).
				Delete(&db.Service{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("services: sync: %w", err)
	}
	return nil
}

// AddService registers one new service announced by a connected agent. An
// announcement for an already-known agent-local ID refreshes the static
// fields instead of failing, since agents may resend after a reconnect.
func (s *gormStore) AddService(ctx context.Context, agentID uuid.UUID, service db.Service) error {
	var agent *db.Agent
	var stored *db.Service

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var cur db.Service
		err := tx.First(&cur,
			"agent_id = ? AND agent_service_id = ?", agentID, service.AgentServiceID).Error
		switch {
		case err == nil:
			updates := map[string]interface{}{
				"name":        service.Name,
				"description": service.Description,
				"version":     service.Version,
				"schedule":    service.Schedule,
			}
			if err := tx.Model(&cur).Updates(updates).Error; err != nil {
				return err
			}
			cur.Name = service.Name
			cur.Description = service.Description
			cur.Version = service.Version
			cur.Schedule = service.Schedule
			stored = &cur

		case errors.Is(err, gorm.ErrRecordNotFound):
			service.AgentID = agentID
			if service.LastStatus == "" {
				service.LastStatus = db.StatusUnknown
			}
			if err := tx.Create(&service).Error; err != nil {
				return err
			}
			stored = &service

		default:
			return err
		}

		agent = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("services: add: %w", err)
	}

	if s.notifier != nil {
		s.notifier.ServiceAdded(ctx, agent, stored)
	}
	return nil
}

// RemoveService deletes a service by its agent-local ID. Removing a service
// that is already gone is logged and otherwise a no-op, so a replayed
// removal after a reconnect cannot fail a session.
func (s *gormStore) RemoveService(ctx context.Context, agentID uuid.UUID, serviceID string) error {
	var agent *db.Agent
	removed := false

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		result := tx.Where("agent_id = ? AND agent_service_id = ?", agentID, serviceID).
			Delete(&db.Service{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected > 0
		agent = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("services: remove: %w", err)
	}

	if !removed {
		s.logger.Warn("removal of unknown service ignored",
			zap.String("agent_id", agentID.String()),
			zap.String("service_id", serviceID))
		return nil
	}
	if s.notifier != nil {
		s.notifier.ServiceRemoved(ctx, agent, serviceID)
	}
	return nil
}

// UpdateServiceStatus records one status report: last_status, last_message
// and last_seen move together. The previous status is captured inside the
// transaction so the notifier can distinguish transitions from repeats.
func (s *gormStore) UpdateServiceStatus(ctx context.Context, agentID uuid.UUID, serviceID, status, message string, timestamp time.Time) error {
	var agent *db.Agent
	var service *db.Service
	oldStatus := ""

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.First(&a, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var svc db.Service
		err := tx.First(&svc,
			"agent_id = ? AND agent_service_id = ?", agentID, serviceID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		oldStatus = svc.LastStatus
		ts := timestamp.UTC()
		updates := map[string]interface{}{
			"last_status":  status,
			"last_message": message,
			"last_seen":    ts,
		}
		if err := tx.Model(&svc).Updates(updates).Error; err != nil {
			return err
		}
		svc.LastStatus = status
		svc.LastMessage = message
		svc.LastSeen = &ts

		agent = &a
		service = &svc
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("services: update status: %w", err)
	}

	if s.notifier != nil {
		s.notifier.ServiceStatusUpdated(ctx, agent, service, oldStatus)
	}
	return nil
}
