package scanner

import (
	"net/netip"
	"slices"
)

// Tier is a segment density class.
type Tier int

const (
	TierDefault Tier = iota
	TierLow
	TierMid
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return "default"
	}
}

// History thresholds on the largest count seen for a segment.
const (
	highThreshold = 200
	midThreshold  = 50
)

// tierTargets is the expected live-host count when neither configuration
// nor history gives one. Zero disables the early exit.
var tierTargets = map[Tier]int{
	TierHigh:    400,
	TierMid:     100,
	TierLow:     20,
	TierDefault: 0,
}

// MaxSweepHosts is the largest block a ping sweep will cover.
const MaxSweepHosts = 4096

// Blocks returns the ordered CIDR blocks scanned for segment 10.S.0.0/16.
func Blocks(segment int, t Tier, highBlocks int) []netip.Prefix {
	s := byte(segment)
	switch t {
	case TierHigh:
		if highBlocks < 1 {
			highBlocks = 1
		}
		if highBlocks > 256 {
			highBlocks = 256
		}
		blocks := make([]netip.Prefix, 0, highBlocks)
		for i := 0; i < highBlocks; i++ {
			blocks = append(blocks, netip.PrefixFrom(netip.AddrFrom4([4]byte{10, s, byte(i), 0}), 24))
		}
		return blocks
	case TierMid:
		return []netip.Prefix{
			netip.PrefixFrom(netip.AddrFrom4([4]byte{10, s, 0, 0}), 25),
			netip.PrefixFrom(netip.AddrFrom4([4]byte{10, s, 0, 128}), 26),
		}
	case TierLow:
		return []netip.Prefix{netip.PrefixFrom(netip.AddrFrom4([4]byte{10, s, 0, 0}), 27)}
	default:
		return []netip.Prefix{netip.PrefixFrom(netip.AddrFrom4([4]byte{10, s, 0, 0}), 25)}
	}
}

// TypicalHosts are the addresses pinged before any block in a segment.
func TypicalHosts(segment int) []netip.Addr {
	s := byte(segment)
	return []netip.Addr{
		netip.AddrFrom4([4]byte{10, s, 0, 1}),
		netip.AddrFrom4([4]byte{10, s, 0, 50}),
		netip.AddrFrom4([4]byte{10, s, 0, 100}),
	}
}

// Hosts lists the usable addresses of an IPv4 block, leaving out the network
// and broadcast addresses for blocks larger than /31.
func Hosts(block netip.Prefix) []netip.Addr {
	block = block.Masked()
	if !block.Addr().Is4() {
		return nil
	}
	size := 1 << (32 - block.Bits())
	out := make([]netip.Addr, 0, size)
	for a := block.Addr(); block.Contains(a); a = a.Next() {
		out = append(out, a)
		if len(out) == size {
			break
		}
	}
	if block.Bits() < 31 && len(out) >= 2 {
		out = out[1 : len(out)-1]
	}
	return out
}

// Broadcast returns the directed broadcast address of an IPv4 block.
func Broadcast(block netip.Prefix) netip.Addr {
	block = block.Masked()
	a := block.Addr().As4()
	hostBits := 32 - block.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v |= (1 << hostBits) - 1
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func (s *Scanner) tier(segment int) Tier {
	switch {
	case slices.Contains(s.opts.HighDensity, segment):
		return TierHigh
	case slices.Contains(s.opts.MidDensity, segment):
		return TierMid
	case slices.Contains(s.opts.LowDensity, segment):
		return TierLow
	}
	if s.hist == nil {
		return TierDefault
	}
	rec, ok := s.hist.Lookup(segment)
	switch {
	case !ok:
		return TierDefault
	case rec.MaxCount >= highThreshold:
		return TierHigh
	case rec.MaxCount >= midThreshold:
		return TierMid
	case rec.MaxCount > 0:
		return TierLow
	default:
		return TierDefault
	}
}

func (s *Scanner) target(segment int, t Tier) int {
	if n, ok := s.opts.Targets[segment]; ok {
		return n
	}
	if s.hist != nil {
		if rec, ok := s.hist.Lookup(segment); ok && rec.MaxCount > 0 {
			return rec.MaxCount
		}
	}
	return tierTargets[t]
}
