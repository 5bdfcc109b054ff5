// Package ingest validates agent reports and persists them, either from the
// authenticated TCP server or from reports the monitor pulled.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/auth"
	"laninv/internal/report"
	"laninv/internal/specmap"
)

// Saver persists a parsed report atomically.
type Saver interface {
	SaveReport(ctx context.Context, r *report.Report) error
}

// Limits bound the content of one report.
type Limits struct {
	MaxFieldLength int
	MaxDiagSize    int
}

// Ingestor runs decode, auth, validation, sanitisation, parsing and
// persistence for one report.
type Ingestor struct {
	store  Saver
	secret string
	limits Limits
	stats  *Stats
	now    func() time.Time
	log    zerolog.Logger
}

// NewIngestor returns an Ingestor writing to store.
func NewIngestor(store Saver, secret string, limits Limits, stats *Stats, log zerolog.Logger) *Ingestor {
	if stats == nil {
		stats = &Stats{}
	}
	return &Ingestor{
		store:  store,
		secret: secret,
		limits: limits,
		stats:  stats,
		now:    time.Now,
		log:    log.With().Str("component", "ingest").Logger(),
	}
}

// Stats returns the counters this ingestor updates.
func (in *Ingestor) Stats() *Stats {
	return in.stats
}

// Ingest processes one raw JSON report received from peer. Nothing is
// written unless every step succeeds.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, peer string) error {
	err := in.ingest(ctx, raw, peer)
	in.stats.count(err)
	return err
}

func (in *Ingestor) ingest(ctx context.Context, raw []byte, peer string) error {
	m, err := specmap.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !auth.Verify(m.String(report.KeyAuthToken), in.secret, in.now()) {
		return fmt.Errorf("%w: invalid or missing auth_token", ErrAuth)
	}

	for _, k := range []string{report.KeySerial, report.KeyMAC} {
		if !m.Has(k) {
			return fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}

	clean := Sanitize(m, in.limits.MaxFieldLength, in.limits.MaxDiagSize)
	r := report.Parse(clean, peer, in.log)
	r.ObservedAt = in.now().UTC()

	if err := in.store.SaveReport(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	in.log.Info().
		Str("src_ip", peer).
		Str("serial", r.Device.Serial).
		Str("mac", r.Device.MAC).
		Int("modules", len(r.Memory)).
		Int("disks", len(r.Storage)).
		Int("applications", len(r.Applications)).
		Msg("Report ingested")
	return nil
}
