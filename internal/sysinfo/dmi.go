package sysinfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"laninv/internal/specmap"
)

// DMIProducer reads the BIOS serial and model from Linux sysfs. On other
// systems, or without permission, it contributes nothing.
type DMIProducer struct {
	// Root defaults to /sys/class/dmi/id.
	Root string
}

func (DMIProducer) Name() string { return "dmi" }

func (d DMIProducer) Produce(context.Context) (*specmap.Map, error) {
	root := d.Root
	if root == "" {
		root = "/sys/class/dmi/id"
	}

	m := specmap.New()
	files := []struct{ file, key string }{
		{"product_serial", "SerialNumber"},
		{"product_name", "Model"},
		{"sys_vendor", "Manufacturer"},
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, f.file))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				continue
			}
			return m, err
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			m.Set(f.key, v)
		}
	}
	return m, nil
}
