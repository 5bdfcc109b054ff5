// Package inventory persists device reports in SQLite.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"laninv/internal/hwaddr"
	"laninv/internal/report"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// ErrNotFound is returned when a device serial is unknown.
var ErrNotFound = errors.New("device not found")

// Store is the relational inventory.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the SQLite database at path and creates
// the schema. ":memory:" is not supported since the pool may reopen it.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one pooled connection serialises every
	// transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "inventory").Logger()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport writes a parsed report in one transaction. A real serial first
// absorbs any temporary device that matches by MAC or IP.
func (s *Store) SaveReport(ctx context.Context, r *report.Report) error {
	at := r.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(timeLayout)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		d := r.Device
		if d.Serial == "" {
			return errors.New("report has no serial")
		}

		if !report.IsTemp(d.Serial) {
			old, err := findTempMatch(ctx, tx, d.MAC, d.IP)
			if err != nil {
				return err
			}
			if old != "" {
				if err := rekey(ctx, tx, old, d.Serial); err != nil {
					return err
				}
			}
		}

		if err := upsertDevice(ctx, tx, d); err != nil {
			return err
		}
		if err := rewritePower(ctx, tx, d.Serial, true, ts); err != nil {
			return err
		}
		if err := s.saveMemory(ctx, tx, d.Serial, r.Memory, ts); err != nil {
			return err
		}
		if err := saveStorage(ctx, tx, d.Serial, r.Storage, ts); err != nil {
			return err
		}
		if err := saveApplications(ctx, tx, d.Serial, r.Applications); err != nil {
			return err
		}
		if r.Diagnostic.RawJSON != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO diagnostic_reports (serial, raw_json, directx_text, observed_at) VALUES (?, ?, ?, ?)`,
				d.Serial, r.Diagnostic.RawJSON, r.Diagnostic.DirectX, ts); err != nil {
				return fmt.Errorf("insert diagnostic: %w", err)
			}
		}
		return appendChange(ctx, tx, d, ts)
	})
}

// EnsureDiscovered makes sure a scanned endpoint has a device row and
// returns its serial. Known devices get their IP (or missing MAC) updated;
// unknown ones are inserted with a temporary serial.
func (s *Store) EnsureDiscovered(ctx context.Context, ip, mac string) (string, error) {
	mac = hwaddr.Normalize(mac)
	var serial string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if mac != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT serial FROM Devices WHERE mac = ? ORDER BY serial LIKE 'TEMP\_%' ESCAPE '\' LIMIT 1`, mac).Scan(&serial)
			switch {
			case err == nil:
				_, err = tx.ExecContext(ctx, `UPDATE Devices SET ip = ? WHERE serial = ?`, ip, serial)
				return err
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup by mac: %w", err)
			}
		}

		var knownMAC string
		err := tx.QueryRowContext(ctx,
			`SELECT serial, mac FROM Devices WHERE ip = ? LIMIT 1`, ip).Scan(&serial, &knownMAC)
		switch {
		case err == nil:
			if mac == "" {
				return nil
			}
			if knownMAC == "" {
				_, err = tx.ExecContext(ctx, `UPDATE Devices SET mac = ? WHERE serial = ?`, mac, serial)
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup by ip: %w", err)
		}

		serial = report.TempSerial(mac, ip)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO Devices (serial, mac, ip, active) VALUES (?, ?, ?, 1)
			 ON CONFLICT(serial) DO UPDATE SET ip = excluded.ip`,
			serial, mac, ip)
		if err != nil {
			return fmt.Errorf("insert discovered device: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return serial, nil
}

// RecordPower replaces the power observation for serial and updates the
// device's active flag.
func (s *Store) RecordPower(ctx context.Context, serial string, on bool, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE Devices SET active = ? WHERE serial = ?`, on, serial)
		if err != nil {
			return fmt.Errorf("update active: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return rewritePower(ctx, tx, serial, on, at.UTC().Format(timeLayout))
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// findTempMatch returns the temporary serial a real report should absorb:
// TEMP_{mac}, any temporary row holding the MAC, or a temporary row at the
// same IP that never had a MAC.
func findTempMatch(ctx context.Context, tx *sql.Tx, mac, ip string) (string, error) {
	var serial string
	if mac != "" {
		tempSerial := report.TempSerialForMAC(mac)
		err := tx.QueryRowContext(ctx,
			`SELECT serial FROM Devices
			 WHERE serial = ? OR (mac = ? AND serial LIKE 'TEMP\_%' ESCAPE '\')
			 ORDER BY serial = ? DESC LIMIT 1`, tempSerial, mac, tempSerial).Scan(&serial)
		if err == nil {
			return serial, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("lookup temporary serial by mac: %w", err)
		}
	}

	if ip == "" {
		return "", nil
	}
	err := tx.QueryRowContext(ctx,
		`SELECT serial FROM Devices
		 WHERE ip = ? AND mac = '' AND serial LIKE 'TEMP\_%' ESCAPE '\' LIMIT 1`, ip).Scan(&serial)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup temporary serial by ip: %w", err)
	}
	return serial, nil
}

func upsertDevice(ctx context.Context, tx *sql.Tx, d report.Device) error {
	var dti sql.NullInt64
	if d.DTI != nil {
		dti = sql.NullInt64{Int64: int64(*d.DTI), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO Devices (serial, dti, hostname, user, mac, model, processor, gpu, ram_gb, disk, license_active, ip, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			dti = COALESCE(excluded.dti, Devices.dti),
			hostname = excluded.hostname,
			user = excluded.user,
			mac = excluded.mac,
			model = excluded.model,
			processor = excluded.processor,
			gpu = excluded.gpu,
			ram_gb = excluded.ram_gb,
			disk = excluded.disk,
			license_active = excluded.license_active,
			ip = excluded.ip,
			active = excluded.active`,
		d.Serial, dti, d.Hostname, d.User, d.MAC, d.Model, d.Processor, d.GPU,
		d.RAMGB, d.Disk, d.LicenseActive, d.IP, d.Active)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.Serial, err)
	}
	return nil
}

func rewritePower(ctx context.Context, tx *sql.Tx, serial string, on bool, ts string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM power_state WHERE serial = ?`, serial); err != nil {
		return fmt.Errorf("clear power state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO power_state (serial, power_on, observed_at) VALUES (?, ?, ?)`, serial, on, ts); err != nil {
		return fmt.Errorf("insert power state: %w", err)
	}
	return nil
}

// saveMemory flips every module of the device to not current, then marks
// the reported ones current, inserting those never seen before. A module
// serial already owned by another device is skipped.
func (s *Store) saveMemory(ctx context.Context, tx *sql.Tx, serial string, mods []report.MemoryModule, ts string) error {
	if len(mods) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memory SET current = 0 WHERE serial = ? AND current = 1`, serial); err != nil {
		return fmt.Errorf("retire memory: %w", err)
	}
	for _, m := range mods {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT serial FROM memory WHERE module_serial = ?`, m.ModuleSerial).Scan(&owner)
		switch {
		case err == nil && owner == serial:
			if _, err := tx.ExecContext(ctx,
				`UPDATE memory SET current = 1 WHERE module_serial = ?`, m.ModuleSerial); err != nil {
				return fmt.Errorf("flag memory %s: %w", m.ModuleSerial, err)
			}
			continue
		case err == nil:
			s.log.Warn().
				Str("serial", serial).
				Str("module_serial", m.ModuleSerial).
				Str("owner", owner).
				Msg("Memory module serial belongs to another device, skipping")
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup memory %s: %w", m.ModuleSerial, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory (serial, slot_label, manufacturer, capacity_gb, speed_mhz, module_serial, current, installed_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			serial, m.SlotLabel, m.Manufacturer, m.CapacityGB, m.SpeedMHz, m.ModuleSerial, ts); err != nil {
			return fmt.Errorf("insert memory %s: %w", m.ModuleSerial, err)
		}
	}
	return nil
}

func saveStorage(ctx context.Context, tx *sql.Tx, serial string, disks []report.StorageDevice, ts string) error {
	if len(disks) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE storage SET current = 0 WHERE serial = ? AND current = 1`, serial); err != nil {
		return fmt.Errorf("retire storage: %w", err)
	}
	for _, sd := range disks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO storage (serial, name, mountpoint, capacity_gb, current, installed_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(serial, name, capacity_gb) DO UPDATE SET
				mountpoint = excluded.mountpoint,
				current = 1`,
			serial, sd.Name, sd.Mountpoint, sd.CapacityGB, ts); err != nil {
			return fmt.Errorf("save storage %s: %w", sd.Name, err)
		}
	}
	return nil
}

func saveApplications(ctx context.Context, tx *sql.Tx, serial string, apps []report.Application) error {
	for _, a := range apps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO applications (serial, name, version, publisher)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(serial, name, publisher) DO UPDATE SET version = excluded.version`,
			serial, a.Name, a.Version, a.Publisher); err != nil {
			return fmt.Errorf("save application %s: %w", a.Name, err)
		}
	}
	return nil
}

// appendChange adds a change_log snapshot when the tracked columns differ
// from the latest one.
func appendChange(ctx context.Context, tx *sql.Tx, d report.Device, ts string) error {
	var (
		user, processor, gpu, disk, ip string
		ramGB                          int
		license                        bool
	)
	err := tx.QueryRowContext(ctx, `
		SELECT user, processor, gpu, ram_gb, disk, license_active, ip
		FROM change_log WHERE serial = ? ORDER BY observed_at DESC, id DESC LIMIT 1`, d.Serial).
		Scan(&user, &processor, &gpu, &ramGB, &disk, &license, &ip)
	switch {
	case err == nil:
		if user == d.User && processor == d.Processor && gpu == d.GPU && ramGB == d.RAMGB &&
			disk == d.Disk && license == d.LicenseActive && ip == d.IP {
			return nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read change log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (serial, user, processor, gpu, ram_gb, disk, license_active, ip, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Serial, d.User, d.Processor, d.GPU, d.RAMGB, d.Disk, d.LicenseActive, d.IP, ts); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}
