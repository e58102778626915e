package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetglass/fleetglass/internal/db"
)

// codeLength is the registration code width. Six digits keeps the code easy
// to relay verbally while the attempt cap keeps the space unguessable.
const codeLength = 6

// maxCodeRetries bounds the collision retry loop in CreateRegistration.
const maxCodeRetries = 10

// randomDigits returns n cryptographically random decimal digits.
func randomDigits(n int) (string, error) {
	buf := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		buf = append(buf, byte('0'+d.Int64()))
	}
	return string(buf), nil
}

// CreateRegistration opens a new registration window: a fresh record with a
// code unique among currently pending registrations, expiring after ttl.
func (s *gormStore) CreateRegistration(ctx context.Context, ttl time.Duration) (*db.AgentRegistration, error) {
	var reg *db.AgentRegistration

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < maxCodeRetries; attempt++ {
			code, err := randomDigits(codeLength)
			if err != nil {
				return err
			}
			var count int64
			err = tx.Model(&db.AgentRegistration{}).
				Where("code = ? AND status = ?", code, db.RegStatusPending).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			r := db.AgentRegistration{
				Code:      code,
				Status:    db.RegStatusPending,
				ExpiresAt: s.clock.Now().UTC().Add(ttl),
			}
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
			reg = &r
			return nil
		}
		return fmt.Errorf("no unique code after %d attempts", maxCodeRetries)
	})
	if err != nil {
		return nil, fmt.Errorf("registrations: create: %w", err)
	}
	return reg, nil
}

// GetRegistration retrieves a registration by ID, lazily expiring it when
// its deadline has passed. Poll handlers therefore never see a pending
// record that is actually dead.
func (s *gormStore) GetRegistration(ctx context.Context, id uuid.UUID) (*db.AgentRegistration, error) {
	var reg db.AgentRegistration
	err := s.gdb.WithContext(ctx).First(&reg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registrations: get: %w", err)
	}

	if reg.Status == db.RegStatusPending && !reg.ExpiresAt.After(s.clock.Now().UTC()) {
		err := s.gdb.WithContext(ctx).
			Model(&reg).
			Update("status", db.RegStatusExpired).Error
		if err != nil {
			return nil, fmt.Errorf("registrations: expire: %w", err)
		}
		reg.Status = db.RegStatusExpired
	}
	return &reg, nil
}

// ClaimRegistration consumes a code on behalf of userID. On success it
// creates a pending agent owned by the user, stores the agent key encrypted
// on the registration, and marks the registration completed so the polling
// agent can collect its credentials.
//
// A claim that matches no live pending registration counts one failed
// attempt against every pending registration; any registration reaching the
// cap expires on the spot. The attempt that trips a cap reports
// ErrTooManyAttempts, later ones just ErrInvalidCode, so the caller's error
// body tracks what the user actually caused.
func (s *gormStore) ClaimRegistration(ctx context.Context, code string, userID int64, gracePeriodSeconds int) (*db.Agent, error) {
	var agent *db.Agent

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		var reg db.AgentRegistration
		err := tx.First(&reg,
			"code = ? AND status = ? AND expires_at > ?",
			code, db.RegStatusPending, now).Error
		switch {
		case err == nil:
			key := uuid.New()
			a := db.Agent{
				Key:                key,
				Name:               "Agent-" + key.String()[:8],
				OwnerID:            userID,
				RegistrationStatus: db.RegistrationPending,
				GracePeriod:        gracePeriodSeconds,
			}
			if err := tx.Create(&a).Error; err != nil {
				return err
			}
			updates := map[string]interface{}{
				"status":    db.RegStatusCompleted,
				"agent_key": db.EncryptedString(key.String()),
			}
			if err := tx.Model(&reg).Updates(updates).Error; err != nil {
				return err
			}
			agent = &a
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			err := tx.Model(&db.AgentRegistration{}).
				Where("status = ?", db.RegStatusPending).
				Update("failed_attempts", gorm.Expr("failed_attempts + 1")).Error
			if err != nil {
				return err
			}
			capped := tx.Model(&db.AgentRegistration{}).
				Where("status = ? AND failed_attempts >= ?", db.RegStatusPending, MaxClaimAttempts).
				Update("status", db.RegStatusExpired)
			if capped.Error != nil {
				return capped.Error
			}
			if capped.RowsAffected > 0 {
				return ErrTooManyAttempts
			}
			return ErrInvalidCode

		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrTooManyAttempts) {
			return nil, err
		}
		return nil, fmt.Errorf("registrations: claim: %w", err)
	}

	s.logger.Info("registration claimed",
		zap.String("agent_id", agent.ID.String()),
		zap.Int64("user_id", userID))
	return agent, nil
}

// DeleteRegistration removes a registration record. Deleting an unknown ID
// is a no-op; the polling agent may race the janitor here.
func (s *gormStore) DeleteRegistration(ctx context.Context, id uuid.UUID) error {
	err := s.gdb.WithContext(ctx).Delete(&db.AgentRegistration{}, "id = ?", id).Error
	if err != nil {
		return fmt.Errorf("registrations: delete: %w", err)
	}
	return nil
}

// PurgeExpiredRegistrations deletes registrations whose deadline passed more
// than olderThan ago, regardless of status. The margin keeps records around
// long enough for a slow-polling agent to still observe its 410.
func (s *gormStore) PurgeExpiredRegistrations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	result := s.gdb.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&db.AgentRegistration{})
	if result.Error != nil {
		return 0, fmt.Errorf("registrations: purge: %w", result.Error)
	}
	return result.RowsAffected, nil
}
