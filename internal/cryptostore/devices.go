package cryptostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatstore/internal/codec"
	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

func deviceKey(userID, deviceID string) string { return userID + "\x00" + deviceID }

func deviceContext(userID, deviceID string) string {
	return codec.Context("devices", userID, deviceID)
}

func validTrust(t domain.TrustState) bool {
	switch t {
	case domain.TrustUnset, domain.TrustVerified, domain.TrustBlacklisted, domain.TrustIgnored:
		return true
	}
	return false
}

// SaveDevice upserts a device identity, trust included.
func (s *Store) SaveDevice(ctx context.Context, device domain.DeviceIdentity) error {
	err := s.run(ctx, "crypto.save_device", func(ctx context.Context) error {
		if device.UserID == "" || device.DeviceID == "" {
			return domain.InvalidArgument("user id and device id are required")
		}
		if !validTrust(device.Trust) {
			return domain.InvalidArgument("unknown trust state %q", device.Trust)
		}
		return s.saveDevice(ctx, s.db, device)
	})
	s.devices.Invalidate(deviceKey(device.UserID, device.DeviceID))
	return err
}

func (s *Store) saveDevice(ctx context.Context, q execer, device domain.DeviceIdentity) error {
	sealed, err := s.codec.SealJSON(device, deviceContext(device.UserID, device.DeviceID))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO devices (user_id, device_id, trust, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET trust = excluded.trust, data = excluded.data, updated_at = excluded.updated_at`,
		device.UserID, device.DeviceID, string(device.Trust), sealed, sqldb.Millis(s.now()))
	return err
}

// GetDevice returns one device identity.
func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (device domain.DeviceIdentity, ok bool, err error) {
	err = s.run(ctx, "crypto.get_device", func(ctx context.Context) error {
		device, ok, err = s.devices.GetOrLoad(ctx, deviceKey(userID, deviceID), func(ctx context.Context) (domain.DeviceIdentity, bool, error) {
			var trust string
			var sealed []byte
			err := s.db.QueryRowContext(ctx,
				`SELECT trust, data FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID).Scan(&trust, &sealed)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.DeviceIdentity{}, false, nil
			}
			if err != nil {
				return domain.DeviceIdentity{}, false, err
			}
			d, err := s.openDevice(userID, deviceID, trust, sealed)
			return d, err == nil, err
		})
		return err
	})
	return device, ok, err
}

func (s *Store) openDevice(userID, deviceID, trust string, sealed []byte) (domain.DeviceIdentity, error) {
	var d domain.DeviceIdentity
	if err := s.codec.OpenJSON(sealed, deviceContext(userID, deviceID), &d); err != nil {
		return domain.DeviceIdentity{}, corrupt("devices", userID+"/"+deviceID, err)
	}
	d.Trust = domain.TrustState(trust)
	return d, nil
}

// ListUserDevices returns every device of a user ordered by device id.
func (s *Store) ListUserDevices(ctx context.Context, userID string) (out []domain.DeviceIdentity, err error) {
	err = s.run(ctx, "crypto.list_user_devices", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT device_id, trust, data FROM devices WHERE user_id = ? ORDER BY device_id`, userID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var deviceID, trust string
			var sealed []byte
			if err := rows.Scan(&deviceID, &trust, &sealed); err != nil {
				return err
			}
			d, err := s.openDevice(userID, deviceID, trust, sealed)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteDevice removes a device identity. Deleting a missing device is not an error.
func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	err := s.run(ctx, "crypto.delete_device", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID)
		return err
	})
	s.devices.Invalidate(deviceKey(userID, deviceID))
	return err
}

// SetDeviceTrust changes the local trust decision for a stored device.
func (s *Store) SetDeviceTrust(ctx context.Context, userID, deviceID string, trust domain.TrustState) error {
	err := s.run(ctx, "crypto.set_device_trust", func(ctx context.Context) error {
		if !validTrust(trust) {
			return domain.InvalidArgument("unknown trust state %q", trust)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE devices SET trust = ?, updated_at = ? WHERE user_id = ? AND device_id = ?`,
			string(trust), sqldb.Millis(s.now()), userID, deviceID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: device %s/%s", domain.ErrNotFound, userID, deviceID)
		}
		return nil
	})
	s.devices.Invalidate(deviceKey(userID, deviceID))
	return err
}
