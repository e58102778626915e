package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetglass/fleetglass/internal/db"
)

// RegisterDevice enrolls a push token for userID. Re-registering a token the
// user already has refreshes its metadata and reactivates it, so a
// reinstalled app converges instead of duplicating.
func (s *gormStore) RegisterDevice(ctx context.Context, userID int64, token, deviceName, osName string) (*db.Device, error) {
	var device *db.Device

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur db.Device
		err := tx.First(&cur, "user_id = ? AND token = ?", userID, token).Error
		switch {
		case err == nil:
			updates := map[string]interface{}{
				"device_name": deviceName,
				"os_name":     osName,
				"status":      db.DeviceActive,
			}
			if err := tx.Model(&cur).Updates(updates).Error; err != nil {
				return err
			}
			cur.DeviceName = deviceName
			cur.OSName = osName
			cur.Status = db.DeviceActive
			device = &cur
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			d := db.Device{
				UserID:     userID,
				Token:      token,
				DeviceName: deviceName,
				OSName:     osName,
				Status:     db.DeviceActive,
			}
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
			device = &d
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("devices: register: %w", err)
	}
	return device, nil
}

// RemoveDevice drops a push token. Unknown tokens are ErrNotFound so the
// client can tell a stale token apart from a server error.
func (s *gormStore) RemoveDevice(ctx context.Context, userID int64, token string) error {
	result := s.gdb.WithContext(ctx).
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&db.Device{})
	if result.Error != nil {
		return fmt.Errorf("devices: remove: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveDevices returns the user's push targets.
func (s *gormStore) ListActiveDevices(ctx context.Context, userID int64) ([]db.Device, error) {
	var devices []db.Device
	err := s.gdb.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, db.DeviceActive).
		Order("created_at ASC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("devices: list active: %w", err)
	}
	return devices, nil
}
