package scanner

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

var (
	ssdpGroup = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}
	mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}
)

const ssdpSearch = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 1\r\n" +
	"ST: ssdp:all\r\n" +
	"\r\n"

// mdnsQuery is a single PTR question for _services._dns-sd._udp.local with
// the unicast-response bit set, so responders answer the sending socket.
var mdnsQuery = buildMDNSQuery("_services._dns-sd._udp.local")

func buildMDNSQuery(name string) []byte {
	// Header: id 0, flags 0, one question.
	msg := []byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			msg = append(msg, byte(i-start))
			msg = append(msg, name[start:i]...)
			start = i + 1
		}
	}
	msg = append(msg, 0)
	// QTYPE PTR (12), QCLASS IN (1) with the QU bit.
	return append(msg, 0x00, 0x0c, 0x80, 0x01)
}

// UDPProber sends an SSDP M-SEARCH, and an mDNS query when SSDP gets no
// answer, and collects the source addresses of the replies.
type UDPProber struct {
	Timeout           time.Duration
	DirectedBroadcast bool
	log               zerolog.Logger
}

// NewUDPProber returns a prober listening timeout for replies per query.
func NewUDPProber(timeout time.Duration, directedBroadcast bool, log zerolog.Logger) *UDPProber {
	return &UDPProber{
		Timeout:           timeout,
		DirectedBroadcast: directedBroadcast,
		log:               log.With().Str("component", "probe").Logger(),
	}
}

// Probe returns responders inside block. Socket errors yield no hosts.
func (p *UDPProber) Probe(ctx context.Context, block netip.Prefix) []netip.Addr {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		p.log.Debug().Err(err).Msg("Failed to open probe socket")
		return nil
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(2); err != nil {
		p.log.Debug().Err(err).Msg("Failed to set multicast TTL")
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		p.log.Debug().Err(err).Msg("Failed to disable multicast loopback")
	}

	targets := []*net.UDPAddr{ssdpGroup}
	if p.DirectedBroadcast {
		b := Broadcast(block).As4()
		targets = append(targets, &net.UDPAddr{IP: net.IP(b[:]), Port: ssdpGroup.Port})
	}
	for _, t := range targets {
		if _, err := conn.WriteToUDP([]byte(ssdpSearch), t); err != nil {
			p.log.Debug().Err(err).Str("target", t.String()).Msg("SSDP send failed")
		}
	}
	if hits := p.collect(ctx, conn, block); len(hits) > 0 {
		return hits
	}

	if _, err := conn.WriteToUDP(mdnsQuery, mdnsGroup); err != nil {
		p.log.Debug().Err(err).Msg("mDNS send failed")
		return nil
	}
	return p.collect(ctx, conn, block)
}

func (p *UDPProber) collect(ctx context.Context, conn *net.UDPConn, block netip.Prefix) []netip.Addr {
	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil
	}

	seen := make(map[netip.Addr]struct{})
	var out []netip.Addr
	buf := make([]byte, 2048)
	for {
		_, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				p.log.Debug().Err(err).Msg("Probe read failed")
			}
			return out
		}
		a := src.Addr().Unmap()
		if !block.Contains(a) {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
}
