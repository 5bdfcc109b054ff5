package report

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/hwaddr"
	"laninv/internal/specmap"
)

var (
	moduleMarkerRe = regexp.MustCompile(`^-{2,}\s*M[óo]dulo RAM\s*(\d+)\s*-{2,}$`)
	indexSuffixRe  = regexp.MustCompile(`^(.*?)\s+(\d+)$`)
	storageKeyRe   = regexp.MustCompile(`^(Device|Mountpoint|Total Size)(?:\s+(\d+))?$`)
	capacityRe     = regexp.MustCompile(`(?i)([\d]+(?:[.,]\d+)?)\s*(tib|tb|gib|gb|mib|mb|kib|kb|b)?`)
	firstIntRe     = regexp.MustCompile(`\d+`)

	dxProcessorRe = regexp.MustCompile(`(?m)^\s*Processor:\s*(.+?)\s*$`)
	dxCardNameRe  = regexp.MustCompile(`(?m)^\s*Card name:\s*(.+?)\s*$`)
	dxDiskModelRe = regexp.MustCompile(`(?m)^\s*Model:\s*(.+?)\s*$`)
)

// BIOS and WMI fillers that mean "no serial".
var junkSerials = map[string]bool{
	"":                       true,
	"none":                   true,
	"null":                   true,
	"n/a":                    true,
	"na":                     true,
	"unknown":                true,
	"serial":                 true,
	"serialnumber":           true,
	"serial number":          true,
	"system serial number":   true,
	"chassis serial number":  true,
	"default string":         true,
	"to be filled by o.e.m.": true,
	"not specified":          true,
	"not available":          true,
	"not applicable":         true,
	"123456789":              true,
}

// IsPlaceholderSerial reports whether s is a filler rather than a real
// serial: a known placeholder, or nothing but 0, F and X characters once
// spaces, dashes and dots are dropped.
func IsPlaceholderSerial(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if junkSerials[s] {
		return true
	}
	s = strings.NewReplacer(" ", "", "-", "", ".", "").Replace(s)
	// Runs of zeros or F's, optionally 0x prefixed.
	return strings.Trim(s, "0fx") == ""
}

// Module attribute names after a RAM marker, by canonical attribute.
var moduleAttrs = map[string]string{
	"slot":            "slot",
	"banco":           "slot",
	"bank":            "slot",
	"device locator":  "slot",
	"fabricante":      "manufacturer",
	"manufacturer":    "manufacturer",
	"capacidad":       "capacity",
	"capacity":        "capacity",
	"velocidad":       "speed",
	"speed":           "speed",
	"número de serie": "serial",
	"numero de serie": "serial",
	"serial number":   "serial",
	"serial":          "serial",
}

// Parse normalises a spec map. peerIP is the address the report came from
// and is used when the map carries no IP. Sub-section failures are logged
// and skipped; the device tuple is always produced.
func Parse(m *specmap.Map, peerIP string, log zerolog.Logger) *Report {
	r := &Report{ObservedAt: time.Now().UTC()}
	r.Device = parseDevice(m, peerIP)

	if mods, err := parseMemory(m, r.Device.Serial); err != nil {
		log.Warn().Err(err).Str("serial", r.Device.Serial).Msg("Skipping memory section")
	} else {
		r.Memory = mods
	}

	r.Device.RAMGB = totalRAM(m, r.Memory)

	if disks, err := parseStorage(m); err != nil {
		log.Warn().Err(err).Str("serial", r.Device.Serial).Msg("Skipping storage section")
	} else {
		r.Storage = disks
	}

	r.Applications = parseApplications(m)

	diag, err := parseDiagnostic(m)
	if err != nil {
		log.Warn().Err(err).Str("serial", r.Device.Serial).Msg("Skipping diagnostic section")
	}
	r.Diagnostic = diag
	r.Device.Processor = firstNonEmpty(extract(dxProcessorRe, diag.DirectX), lookupDirect(m, KeyProcessor, "processor", "cpu"))
	r.Device.GPU = firstNonEmpty(extract(dxCardNameRe, diag.DirectX), lookupDirect(m, KeyGPU, "gpu", "graphics"))
	r.Device.Disk = firstNonEmpty(extract(dxDiskModelRe, diag.DirectX), lookupDirect(m, KeyDisk, "disk", "disco"))
	if r.Device.Disk == "" && len(r.Storage) > 0 {
		r.Device.Disk = r.Storage[0].Name
	}

	return r
}

func parseDevice(m *specmap.Map, peerIP string) Device {
	d := Device{
		MAC:           hwaddr.Normalize(m.String(KeyMAC)),
		Hostname:      strings.TrimSpace(firstNonEmpty(m.String(KeyName), m.String("Hostname"))),
		User:          strings.TrimSpace(firstNonEmpty(m.String(KeyUser), m.String("Usuario"), m.String("Username"))),
		Model:         strings.TrimSpace(firstNonEmpty(m.String(KeyModel), m.String("Modelo"))),
		LicenseActive: parseLicense(m),
		Active:        true,
	}

	ip := strings.TrimSpace(firstNonEmpty(m.String(KeyIP), m.String("IP")))
	if addr, err := netip.ParseAddr(ip); err == nil && addr.Is4() {
		d.IP = addr.String()
	} else if addr, err := netip.ParseAddr(peerIP); err == nil {
		d.IP = addr.Unmap().String()
	}

	if v := strings.TrimSpace(m.String(KeyDTI)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.DTI = &n
		}
	}

	serial := strings.TrimSpace(m.String(KeySerial))
	if IsPlaceholderSerial(serial) || IsTemp(serial) {
		serial = TempSerial(d.MAC, d.IP)
	}
	d.Serial = serial
	return d
}

func parseLicense(m *specmap.Map) bool {
	v := m.String(KeyLicense)
	if v == "" {
		for _, f := range m.Fields() {
			k := strings.ToLower(f.Key)
			if strings.Contains(k, "license") || strings.Contains(k, "licencia") {
				v = specmap.Text(f.Value)
				break
			}
		}
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "si", "sí", "activated", "activado", "licensed", "active":
		return true
	}
	return false
}

// parseMemory walks the ordered fields, opening a module at each marker and
// collecting the attribute fields that follow it.
func parseMemory(m *specmap.Map, deviceSerial string) ([]MemoryModule, error) {
	var (
		mods []MemoryModule
		cur  *MemoryModule
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.ModuleSerial == "" {
			cur.ModuleSerial = deviceSerial + ":" + cur.SlotLabel
		}
		mods = append(mods, *cur)
		cur = nil
	}

	for _, f := range m.Fields() {
		if mm := moduleMarkerRe.FindStringSubmatch(strings.TrimSpace(f.Key)); mm != nil {
			flush()
			cur = &MemoryModule{SlotLabel: "RAM " + mm[1]}
			continue
		}
		if cur == nil {
			continue
		}
		attr, ok := moduleAttrs[strings.ToLower(baseName(f.Key))]
		if !ok {
			flush()
			continue
		}
		val := strings.TrimSpace(specmap.Text(f.Value))
		switch attr {
		case "slot":
			if val != "" {
				cur.SlotLabel = val
			}
		case "manufacturer":
			cur.Manufacturer = val
		case "capacity":
			gb, err := parseCapacityGB(val)
			if err != nil {
				return nil, fmt.Errorf("module %s capacity: %w", cur.SlotLabel, err)
			}
			cur.CapacityGB = gb
		case "speed":
			if s := firstIntRe.FindString(val); s != "" {
				cur.SpeedMHz, _ = strconv.Atoi(s)
			}
		case "serial":
			if !IsPlaceholderSerial(val) {
				cur.ModuleSerial = val
			}
		}
	}
	flush()
	return mods, nil
}

// totalRAM sums module capacities, then capacity keys anywhere in the map,
// then falls back to a total-memory string.
func totalRAM(m *specmap.Map, mods []MemoryModule) int {
	total := 0
	for _, mod := range mods {
		total += mod.CapacityGB
	}
	if total > 0 {
		return total
	}

	for _, f := range m.Fields() {
		if attr := moduleAttrs[strings.ToLower(baseName(f.Key))]; attr == "capacity" {
			if gb, err := parseCapacityGB(specmap.Text(f.Value)); err == nil {
				total += gb
			}
		}
	}
	if total > 0 {
		return total
	}

	for _, f := range m.Fields() {
		k := strings.ToLower(f.Key)
		if strings.Contains(k, "total memory") || strings.Contains(k, "memoria total") {
			if gb, err := parseCapacityGB(specmap.Text(f.Value)); err == nil {
				return gb
			}
		}
	}
	return 0
}

func parseStorage(m *specmap.Map) ([]StorageDevice, error) {
	var (
		order   []string
		byIndex = map[string]*StorageDevice{}
		seq     int
	)
	for _, f := range m.Fields() {
		sm := storageKeyRe.FindStringSubmatch(f.Key)
		if sm == nil {
			continue
		}
		idx := sm[2]
		if idx == "" {
			// Unindexed entries: each Device opens a new one.
			if sm[1] == "Device" {
				seq++
			}
			idx = "#" + strconv.Itoa(seq)
		}
		sd, ok := byIndex[idx]
		if !ok {
			sd = &StorageDevice{}
			byIndex[idx] = sd
			order = append(order, idx)
		}
		val := strings.TrimSpace(specmap.Text(f.Value))
		switch sm[1] {
		case "Device":
			sd.Name = val
		case "Mountpoint":
			sd.Mountpoint = val
		case "Total Size":
			gb, err := parseCapacityGB(val)
			if err != nil {
				return nil, fmt.Errorf("storage %s size: %w", idx, err)
			}
			sd.CapacityGB = gb
		}
	}

	var out []StorageDevice
	for _, idx := range order {
		sd := byIndex[idx]
		if sd.Name == "" {
			sd.Name = sd.Mountpoint
		}
		if sd.Name == "" {
			continue
		}
		out = append(out, *sd)
	}
	return out, nil
}

// parseApplications collects [version, publisher] pairs from the
// applications object and from top-level fields.
func parseApplications(m *specmap.Map) []Application {
	seen := map[string]bool{}
	var out []Application
	add := func(name string, v any) {
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 {
			return
		}
		version, ok1 := pair[0].(string)
		publisher, ok2 := pair[1].(string)
		name = strings.TrimSpace(name)
		if !ok1 || !ok2 || name == "" {
			return
		}
		key := name + "\x00" + publisher
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Application{Name: name, Version: strings.TrimSpace(version), Publisher: strings.TrimSpace(publisher)})
	}

	for _, f := range m.Fields() {
		if nested, ok := f.Value.(map[string]any); ok && isApplicationsKey(f.Key) {
			names := make([]string, 0, len(nested))
			for name := range nested {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				add(name, nested[name])
			}
			continue
		}
		add(f.Key, f.Value)
	}
	return out
}

func isApplicationsKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "application") || strings.Contains(k, "aplicacion") || strings.Contains(k, "software")
}

func parseDiagnostic(m *specmap.Map) (Diagnostic, error) {
	var d Diagnostic
	clean := specmap.New()
	for _, f := range m.Fields() {
		if f.Key == KeyAuthToken {
			continue
		}
		if d.DirectX == "" && IsDiagnosticKey(f.Key) {
			d.DirectX = specmap.Text(f.Value)
		}
		clean.Set(f.Key, f.Value)
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return d, fmt.Errorf("encoding raw report: %w", err)
	}
	d.RawJSON = string(raw)
	return d, nil
}

// lookupDirect returns the exact key, else the first string field whose key
// contains one of the fragments.
func lookupDirect(m *specmap.Map, exact string, fragments ...string) string {
	if v := strings.TrimSpace(m.String(exact)); v != "" {
		return v
	}
	for _, f := range m.Fields() {
		s, ok := f.Value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if IsDiagnosticKey(f.Key) {
			continue
		}
		k := strings.ToLower(f.Key)
		for _, frag := range fragments {
			if strings.Contains(k, frag) {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func extract(re *regexp.Regexp, text string) string {
	if text == "" {
		return ""
	}
	if mm := re.FindStringSubmatch(text); mm != nil {
		return mm[1]
	}
	return ""
}

// baseName strips a trailing " N" module/storage index from a key.
func baseName(key string) string {
	key = strings.TrimSpace(key)
	if mm := indexSuffixRe.FindStringSubmatch(key); mm != nil {
		return mm[1]
	}
	return key
}

// parseCapacityGB reads "8 GB", "8192 MB", "1 TB" or a raw byte count and
// returns whole gigabytes.
func parseCapacityGB(s string) (int, error) {
	mm := capacityRe.FindStringSubmatch(strings.TrimSpace(s))
	if mm == nil {
		return 0, fmt.Errorf("no number in %q", s)
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(mm[1], ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	var gb float64
	switch strings.ToLower(mm[2]) {
	case "tb", "tib":
		gb = n * 1024
	case "gb", "gib":
		gb = n
	case "mb", "mib":
		gb = n / 1024
	case "kb", "kib":
		gb = n / (1024 * 1024)
	case "b":
		gb = n / (1024 * 1024 * 1024)
	default:
		if n >= 1<<20 {
			gb = n / (1024 * 1024 * 1024)
		} else {
			gb = n
		}
	}
	if math.IsNaN(gb) || math.IsInf(gb, 0) || gb > math.MaxInt32 {
		return 0, fmt.Errorf("capacity %q out of range", s)
	}
	return int(math.Round(gb)), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
