package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/pingsantohq/cellguard/pkg/types"
)

const (
	CheckLocalHost  = "local_host"
	CheckDNS        = "dns"
	CheckDNSViaICMP = "dns_icmp"

	defaultPingTimeout = 3 * time.Second
	protocolICMP       = 1
)

// Check is one connectivity probe. Failures are reported in the outcome,
// never as a panic or error.
type Check interface {
	Name() string
	Run(ctx context.Context) types.CheckOutcome
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) types.CheckOutcome
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Run(ctx context.Context) types.CheckOutcome {
	return c.Fn(ctx)
}

// Battery returns the standard check set in report order: local host,
// DNS resolution, then ICMP reachability of the resolvers.
func Battery(resolvers []string, query string, privileged bool) []Check {
	return []Check{
		LocalHost{Privileged: privileged},
		DNS{Resolvers: resolvers, Query: query},
		DNSViaICMP{Resolvers: resolvers, Privileged: privileged},
	}
}

// LocalHost verifies the local IP stack answers an ICMP echo on loopback.
type LocalHost struct {
	Privileged bool
}

func (LocalHost) Name() string { return CheckLocalHost }

func (c LocalHost) Run(ctx context.Context) types.CheckOutcome {
	outcome := types.CheckOutcome{Check: CheckLocalHost, Target: "127.0.0.1"}
	rtt, err := ping(ctx, "127.0.0.1", c.Privileged)
	outcome.Latency = rtt
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Success = true
	return outcome
}

// DNS resolves Query against each resolver in turn and succeeds on the
// first NOERROR answer carrying records.
type DNS struct {
	Resolvers []string
	Query     string
	Net       string
}

func (DNS) Name() string { return CheckDNS }

func (c DNS) Run(ctx context.Context) types.CheckOutcome {
	outcome := types.CheckOutcome{Check: CheckDNS}
	if len(c.Resolvers) == 0 {
		outcome.Error = "no resolvers configured"
		return outcome
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(c.Query), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: c.Net}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	var failures []string
	for _, resolver := range c.Resolvers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err.Error())
			break
		}
		addr := resolverAddr(resolver)
		reply, rtt, err := client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			failures = append(failures, fmt.Sprintf("%s: rcode %s", addr, dns.RcodeToString[reply.Rcode]))
			continue
		}
		if len(reply.Answer) == 0 {
			failures = append(failures, fmt.Sprintf("%s: empty answer", addr))
			continue
		}
		outcome.Success = true
		outcome.Target = addr
		outcome.Latency = rtt
		outcome.Detail = fmt.Sprintf("%d answers", len(reply.Answer))
		return outcome
	}
	outcome.Error = strings.Join(failures, "; ")
	return outcome
}

// DNSViaICMP pings every resolver host and succeeds if any replies.
type DNSViaICMP struct {
	Resolvers  []string
	Privileged bool
}

func (DNSViaICMP) Name() string { return CheckDNSViaICMP }

func (c DNSViaICMP) Run(ctx context.Context) types.CheckOutcome {
	outcome := types.CheckOutcome{Check: CheckDNSViaICMP}
	if len(c.Resolvers) == 0 {
		outcome.Error = "no resolvers configured"
		return outcome
	}
	var failures []string
	for _, resolver := range c.Resolvers {
		host := resolverHost(resolver)
		rtt, err := ping(ctx, host, c.Privileged)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		outcome.Success = true
		outcome.Target = host
		outcome.Latency = rtt
		return outcome
	}
	outcome.Error = strings.Join(failures, "; ")
	return outcome
}

func resolverAddr(resolver string) string {
	if _, _, err := net.SplitHostPort(resolver); err == nil {
		return resolver
	}
	return net.JoinHostPort(strings.Trim(resolver, "[]"), "53")
}

func resolverHost(resolver string) string {
	if host, _, err := net.SplitHostPort(resolver); err == nil {
		return host
	}
	return strings.Trim(resolver, "[]")
}

var pingSeq atomic.Uint32

// ping sends one ICMPv4 echo and waits for the reply. Unprivileged mode
// uses datagram ICMP sockets, which the kernel must permit via
// net.ipv4.ping_group_range.
func ping(ctx context.Context, host string, privileged bool) (time.Duration, error) {
	ipAddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", host, err)
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ipAddr.IP}
	if privileged {
		network = "ip4:icmp"
		dst = ipAddr
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultPingTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	seq := int(pingSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("cellguard"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal echo: %w", err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, fmt.Errorf("echo timeout after %s", time.Since(start).Round(time.Millisecond))
			}
			return 0, fmt.Errorf("read echo: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq != seq {
			continue
		}
		return time.Since(start), nil
	}
}
