package sysinfo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shirou/gopsutil/v3/disk"

	"laninv/internal/specmap"
)

// StorageProducer lists physical partitions as Device N / Mountpoint N /
// Total Size N.
type StorageProducer struct{}

func (StorageProducer) Name() string { return "storage" }

func (StorageProducer) Produce(ctx context.Context) (*specmap.Map, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return specmap.New(), fmt.Errorf("listing partitions: %w", err)
	}
	return storageFields(parts, func(path string) (uint64, error) {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, err
		}
		return u.Total, nil
	}), nil
}

func storageFields(parts []disk.PartitionStat, total func(mountpoint string) (uint64, error)) *specmap.Map {
	m := specmap.New()
	n := 0
	for _, p := range parts {
		size, err := total(p.Mountpoint)
		if err != nil || size == 0 {
			continue
		}
		n++
		idx := strconv.Itoa(n)
		m.Set("Device "+idx, p.Device)
		m.Set("Mountpoint "+idx, p.Mountpoint)
		m.Set("Total Size "+idx, formatGB(size))
	}
	return m
}
