// Package hwaddr normalises Ethernet hardware addresses to aa:bb:cc:dd:ee:ff.
package hwaddr

import (
	"strings"
)

// Normalize returns mac in lowercase colon form. It accepts ':', '-' and '.'
// separators, single-digit octets as printed by BSD arp ("0:1b:..."), and bare
// 12-digit hex. Invalid and all-zero addresses yield "".
func Normalize(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if mac == "" {
		return ""
	}

	var octets []string
	switch {
	case strings.ContainsAny(mac, ":-"):
		octets = strings.FieldsFunc(mac, func(r rune) bool { return r == ':' || r == '-' })
	case strings.Contains(mac, "."):
		// Cisco style aabb.ccdd.eeff
		groups := strings.Split(mac, ".")
		if len(groups) != 3 {
			return ""
		}
		for _, g := range groups {
			if len(g) != 4 {
				return ""
			}
		}
		mac = strings.Join(groups, "")
		fallthrough
	default:
		if len(mac) != 12 {
			return ""
		}
		for i := 0; i < 12; i += 2 {
			octets = append(octets, mac[i:i+2])
		}
	}

	if len(octets) != 6 {
		return ""
	}
	zero := true
	for i, o := range octets {
		if len(o) == 1 {
			o = "0" + o
		}
		if len(o) != 2 || !isHex(o) {
			return ""
		}
		if o != "00" {
			zero = false
		}
		octets[i] = o
	}
	if zero {
		return ""
	}
	return strings.Join(octets, ":")
}

// Compact returns the normalised address without separators, or "".
func Compact(mac string) string {
	return strings.ReplaceAll(Normalize(mac), ":", "")
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
