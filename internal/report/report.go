// Package report converts an agent spec map into normalised inventory rows.
package report

import (
	"net/netip"
	"strings"
	"time"

	"laninv/internal/hwaddr"
)

// Well-known spec map keys.
const (
	KeySerial       = "SerialNumber"
	KeyMAC          = "MAC Address"
	KeyIP           = "IP Address"
	KeyName         = "Name"
	KeyUser         = "User"
	KeyModel        = "Model"
	KeyDTI          = "DTI"
	KeyProcessor    = "Processor"
	KeyGPU          = "GPU"
	KeyDisk         = "Disk"
	KeyLicense      = "License Active"
	KeyTotalMemory  = "Total Memory"
	KeyApplications = "Installed Applications"
	KeyDiagnostic   = "dxdiag"
	KeyAuthToken    = "auth_token"
)

// IsDiagnosticKey reports whether a spec map key holds the DirectX
// diagnostic text.
func IsDiagnosticKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "dxdiag") || strings.Contains(k, "directx")
}

// TempPrefix marks synthetic serials assigned before a BIOS serial is known.
const TempPrefix = "TEMP_"

// TempUnknown is used when neither MAC nor IP is available.
const TempUnknown = TempPrefix + "UNKNOWN"

// Device is the normalised device tuple.
type Device struct {
	Serial        string
	DTI           *int
	Hostname      string
	User          string
	MAC           string
	Model         string
	Processor     string
	GPU           string
	RAMGB         int
	Disk          string
	LicenseActive bool
	IP            string
	Active        bool
}

// MemoryModule is one reported RAM module.
type MemoryModule struct {
	SlotLabel    string
	Manufacturer string
	CapacityGB   int
	SpeedMHz     int
	ModuleSerial string
}

// StorageDevice is one reported disk or volume.
type StorageDevice struct {
	Name       string
	Mountpoint string
	CapacityGB int
}

// Application is one installed software package.
type Application struct {
	Name      string
	Version   string
	Publisher string
}

// Diagnostic is the bulky part of a report kept verbatim.
type Diagnostic struct {
	RawJSON string
	DirectX string
}

// Report is everything a single ingest writes.
type Report struct {
	Device       Device
	Memory       []MemoryModule
	Storage      []StorageDevice
	Applications []Application
	Diagnostic   Diagnostic
	ObservedAt   time.Time
}

// TempSerialForMAC returns TEMP_{mac without separators}, or "" for an
// unusable MAC.
func TempSerialForMAC(mac string) string {
	c := hwaddr.Compact(mac)
	if c == "" {
		return ""
	}
	return TempPrefix + c
}

// TempSerialForIP returns TEMP_{ip with dots replaced}, or "" for an invalid IP.
func TempSerialForIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || !addr.Is4() {
		return ""
	}
	return TempPrefix + strings.ReplaceAll(addr.String(), ".", "_")
}

// TempSerial picks the best temporary serial for a device.
func TempSerial(mac, ip string) string {
	if s := TempSerialForMAC(mac); s != "" {
		return s
	}
	if s := TempSerialForIP(ip); s != "" {
		return s
	}
	return TempUnknown
}

// IsTemp reports whether serial is synthetic.
func IsTemp(serial string) bool {
	return strings.HasPrefix(serial, TempPrefix)
}
