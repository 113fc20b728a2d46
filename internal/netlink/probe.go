package netlink

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// SystemProber is the production [Prober]: carrier state from the OS
// interface flags, reachability from an unprivileged ICMP echo to the
// gateway.
type SystemProber struct {
	// Gateway is the address pinged for reachability. Empty disables
	// the echo; health then rests on carrier alone.
	Gateway string
	// EchoTimeout bounds one echo round trip.
	EchoTimeout time.Duration
}

// NewSystemProber builds a prober against gateway (may be empty).
func NewSystemProber(gateway string) *SystemProber {
	return &SystemProber{Gateway: gateway, EchoTimeout: 500 * time.Millisecond}
}

// Probe resolves the named interface and reports its carrier and, when a
// gateway is configured, one echo's latency.
func (p *SystemProber) Probe(ifaceID string) (ProbeResult, error) {
	ifi, err := net.InterfaceByName(ifaceID)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("netlink: probe %s: %w", ifaceID, err)
	}
	up := ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
	res := ProbeResult{CarrierUp: up}
	if !up || p.Gateway == "" {
		res.GatewayReachable = up && p.Gateway == ""
		return res, nil
	}

	latency, err := p.echo()
	if err != nil {
		// Carrier without reachability: degraded, reported through the
		// health score rather than as a probe failure.
		res.LossPct = 100
		return res, nil
	}
	res.GatewayReachable = true
	res.LatencyMS = float64(latency) / float64(time.Millisecond)
	return res, nil
}

// echo sends one unprivileged ICMP echo request to the gateway and waits
// for the reply.
func (p *SystemProber) echo() (time.Duration, error) {
	c, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("netlink: icmp listen: %w", err)
	}
	defer c.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{
			ID: os.Getpid() & 0xffff, Seq: 1,
			Data: []byte("OHT50"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("netlink: icmp marshal: %w", err)
	}

	start := time.Now()
	if _, err := c.WriteTo(wb, &net.UDPAddr{IP: net.ParseIP(p.Gateway)}); err != nil {
		return 0, fmt.Errorf("netlink: icmp write: %w", err)
	}
	if err := c.SetReadDeadline(start.Add(p.EchoTimeout)); err != nil {
		return 0, err
	}
	rb := make([]byte, 1500)
	n, _, err := c.ReadFrom(rb)
	if err != nil {
		return 0, fmt.Errorf("netlink: icmp read: %w", err)
	}
	rm, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), rb[:n])
	if err != nil {
		return 0, fmt.Errorf("netlink: icmp parse: %w", err)
	}
	if rm.Type != ipv4.ICMPTypeEchoReply {
		return 0, fmt.Errorf("netlink: unexpected icmp type %v", rm.Type)
	}
	return time.Since(start), nil
}
