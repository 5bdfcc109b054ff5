package sysinfo

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"laninv/internal/specmap"
)

// HostProducer reports identity, network, OS, CPU and memory totals.
type HostProducer struct {
	// NetworkRange restricts the reported interface to one whose IPv4
	// address falls inside this CIDR.
	NetworkRange string
}

func (*HostProducer) Name() string { return "host" }

func (h *HostProducer) Produce(ctx context.Context) (*specmap.Map, error) {
	m := specmap.New()

	macAddr, ipAddr, err := getPrimaryNetworkInfo(h.NetworkRange)
	if err != nil {
		return m, fmt.Errorf("reading interfaces: %w", err)
	}
	m.Set("MAC Address", macAddr)
	m.Set("IP Address", ipAddr)

	hostname, _ := os.Hostname()
	m.Set("Name", hostname)
	if u, err := user.Current(); err == nil {
		m.Set("User", u.Username)
	}

	osName, kernel := getOSInfo(ctx)
	m.Set("Operating System", osName)
	m.Set("Kernel", kernel)
	m.Set("Architecture", runtime.GOARCH)

	if cpuInfo, err := cpu.InfoWithContext(ctx); err == nil && len(cpuInfo) > 0 {
		m.Set("Processor", strings.TrimSpace(cpuInfo[0].ModelName))
	}
	m.Set("CPU Cores", runtime.NumCPU())

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Set("Total Memory", formatGB(memInfo.Total))
	}
	return m, nil
}

func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}

// getPrimaryNetworkInfo returns the MAC and IPv4 address of the first up,
// non-loopback interface, or of the one inside cidr when given.
func getPrimaryNetworkInfo(cidr string) (string, string, error) {
	var target *net.IPNet
	if cidr != "" {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return "", "", fmt.Errorf("parsing network range %q: %w", cidr, err)
		}
		target = n
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if target != nil && !target.Contains(ipNet.IP) {
				continue
			}
			return iface.HardwareAddr.String(), ipNet.IP.String(), nil
		}
	}

	return "", "", nil
}

func getOSInfo(ctx context.Context) (string, string) {
	var osName, kernel string

	hostInfo, err := host.InfoWithContext(ctx)
	if err == nil {
		osName = hostInfo.Platform
		if hostInfo.PlatformVersion != "" {
			osName += " " + hostInfo.PlatformVersion
		}
		kernel = hostInfo.KernelVersion
	} else {
		osName = runtime.GOOS
	}

	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			if pretty := prettyName(string(data)); pretty != "" {
				osName = pretty
			}
		}
	}
	return osName, kernel
}

// prettyName extracts PRETTY_NAME from os-release contents.
func prettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return ""
}
