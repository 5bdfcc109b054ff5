// Package sysinfo builds the agent's spec map from a set of producers.
package sysinfo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"laninv/internal/specmap"
)

// Producer contributes fields to the spec map. OS-specific gatherers
// (memory modules, installed software, diagnostic dumps) plug in here.
type Producer interface {
	Name() string
	Produce(ctx context.Context) (*specmap.Map, error)
}

// leadingKeys are always present and always first in the map.
var leadingKeys = []string{"SerialNumber", "MAC Address", "IP Address", "Name", "User"}

// Collector runs producers in order; later producers overwrite earlier
// values but keep the position of keys already set.
type Collector struct {
	producers []Producer
	log       zerolog.Logger
}

// NewCollector returns a Collector over producers.
func NewCollector(log zerolog.Logger, producers ...Producer) *Collector {
	return &Collector{producers: producers, log: log.With().Str("component", "sysinfo").Logger()}
}

// DefaultProducers are the built-in, portable producers. networkRange
// optionally selects the interface whose MAC and IP are reported.
func DefaultProducers(networkRange string) []Producer {
	return []Producer{
		DMIProducer{},
		&HostProducer{NetworkRange: networkRange},
		StorageProducer{},
	}
}

// Collect builds the spec map. A failing producer is skipped and its error
// joined into the returned error; the map is always usable.
func (c *Collector) Collect(ctx context.Context) (*specmap.Map, error) {
	m := specmap.New()
	for _, k := range leadingKeys {
		m.Set(k, "")
	}

	var errs []error
	for _, p := range c.producers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		part, err := p.Produce(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("producer", p.Name()).Msg("Producer failed, skipping")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
		for _, f := range part.Fields() {
			// An empty value never clears one set by an earlier producer.
			if s, ok := f.Value.(string); ok && s == "" && m.String(f.Key) != "" {
				continue
			}
			m.Set(f.Key, f.Value)
		}
	}
	return m, errors.Join(errs...)
}
