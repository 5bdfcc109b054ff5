package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"laninv/internal/report"
)

// DeviceView is a device row joined with its latest power observation.
type DeviceView struct {
	report.Device
	PowerOn  bool
	LastSeen time.Time
}

// MemoryRow is a stored RAM module.
type MemoryRow struct {
	report.MemoryModule
	Current     bool
	InstalledAt time.Time
}

// StorageRow is a stored disk or volume.
type StorageRow struct {
	report.StorageDevice
	Current bool
}

const deviceViewSQL = `
	SELECT d.serial, d.dti, d.hostname, d.user, d.mac, d.model, d.processor, d.gpu,
	       d.ram_gb, d.disk, d.license_active, d.ip, d.active,
	       COALESCE(p.power_on, 0), COALESCE(p.observed_at, '')
	FROM Devices d
	LEFT JOIN power_state p ON p.serial = d.serial`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeviceView(row scanner) (*DeviceView, error) {
	var (
		v    DeviceView
		dti  sql.NullInt64
		seen string
	)
	err := row.Scan(&v.Serial, &dti, &v.Hostname, &v.User, &v.MAC, &v.Model, &v.Processor, &v.GPU,
		&v.RAMGB, &v.Disk, &v.LicenseActive, &v.IP, &v.Active, &v.PowerOn, &seen)
	if err != nil {
		return nil, err
	}
	if dti.Valid {
		n := int(dti.Int64)
		v.DTI = &n
	}
	if seen != "" {
		v.LastSeen, _ = time.Parse(timeLayout, seen)
	}
	return &v, nil
}

// Device returns the device with the given serial.
func (s *Store) Device(ctx context.Context, serial string) (*DeviceView, error) {
	v, err := scanDeviceView(s.db.QueryRowContext(ctx, deviceViewSQL+` WHERE d.serial = ?`, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", serial, err)
	}
	return v, nil
}

// Devices returns every device ordered by IP then serial.
func (s *Store) Devices(ctx context.Context) ([]DeviceView, error) {
	rows, err := s.db.QueryContext(ctx, deviceViewSQL+` ORDER BY d.ip, d.serial`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceView
	for rows.Next() {
		v, err := scanDeviceView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Memory returns every module recorded for serial, current ones first.
func (s *Store) Memory(ctx context.Context, serial string) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_label, manufacturer, capacity_gb, speed_mhz, module_serial, current, installed_at
		FROM memory WHERE serial = ? ORDER BY current DESC, module_serial`, serial)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryRow
	for rows.Next() {
		var (
			m  MemoryRow
			ts string
		)
		if err := rows.Scan(&m.SlotLabel, &m.Manufacturer, &m.CapacityGB, &m.SpeedMHz, &m.ModuleSerial, &m.Current, &ts); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.InstalledAt, _ = time.Parse(timeLayout, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Storage returns every disk recorded for serial.
func (s *Store) Storage(ctx context.Context, serial string) ([]StorageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, mountpoint, capacity_gb, current
		FROM storage WHERE serial = ? ORDER BY name, capacity_gb`, serial)
	if err != nil {
		return nil, fmt.Errorf("list storage: %w", err)
	}
	defer rows.Close()

	var out []StorageRow
	for rows.Next() {
		var sr StorageRow
		if err := rows.Scan(&sr.Name, &sr.Mountpoint, &sr.CapacityGB, &sr.Current); err != nil {
			return nil, fmt.Errorf("scan storage: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Applications returns the installed software recorded for serial.
func (s *Store) Applications(ctx context.Context, serial string) ([]report.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, publisher FROM applications WHERE serial = ? ORDER BY name, publisher`, serial)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var out []report.Application
	for rows.Next() {
		var a report.Application
		if err := rows.Scan(&a.Name, &a.Version, &a.Publisher); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
