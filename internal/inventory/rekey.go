package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// rekey moves every row keyed on oldSerial to newSerial. When newSerial does
// not exist yet the device row is renamed and the foreign keys cascade. When
// it does, child rows are merged into it; rows that would collide with an
// existing unique key are dropped, and the old device is removed. Running it
// again once oldSerial is gone is a no-op.
func rekey(ctx context.Context, tx *sql.Tx, oldSerial, newSerial string) error {
	if oldSerial == newSerial {
		return nil
	}

	exists := func(serial string) (bool, error) {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM Devices WHERE serial = ?`, serial).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}

	oldExists, err := exists(oldSerial)
	if err != nil {
		return fmt.Errorf("rekey lookup %s: %w", oldSerial, err)
	}
	if !oldExists {
		return nil
	}
	newExists, err := exists(newSerial)
	if err != nil {
		return fmt.Errorf("rekey lookup %s: %w", newSerial, err)
	}

	if !newExists {
		if _, err := tx.ExecContext(ctx, `UPDATE Devices SET serial = ? WHERE serial = ?`, newSerial, oldSerial); err != nil {
			return fmt.Errorf("rekey %s to %s: %w", oldSerial, newSerial, err)
		}
		return nil
	}

	for _, table := range childTables {
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR IGNORE `+table+` SET serial = ? WHERE serial = ?`, newSerial, oldSerial); err != nil {
			return fmt.Errorf("rekey %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE serial = ?`, oldSerial); err != nil {
			return fmt.Errorf("rekey cleanup %s: %w", table, err)
		}
	}

	// Keep only the newest power observation after the merge.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM power_state WHERE serial = ? AND id NOT IN (
			SELECT id FROM power_state WHERE serial = ? ORDER BY observed_at DESC, id DESC LIMIT 1
		)`, newSerial, newSerial); err != nil {
		return fmt.Errorf("rekey power state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Devices WHERE serial = ?`, oldSerial); err != nil {
		return fmt.Errorf("rekey remove %s: %w", oldSerial, err)
	}
	return nil
}
