// core/classifier.go
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/signalsfoundry/netem-controller/internal/audit"
	"github.com/signalsfoundry/netem-controller/internal/observability"
	"github.com/signalsfoundry/netem-controller/internal/sbi"
)

// AddrUnassigned is the address placeholder for interfaces that carry no
// IPv4 address. Such interfaces are never silently dropped: the roaming
// resolver must still be able to black them out.
const AddrUnassigned = "unassigned"

// NetworkUnknown is the label for addresses matching no prefix rule.
const NetworkUnknown = "unknown"

// ClassifiedInterface is one discovered interface on an endpoint with its
// derived logical-network label.
type ClassifiedInterface struct {
	Name    string
	Address string // dotted quad, or AddrUnassigned
	Network string
}

// NetworkRule maps an address prefix to a logical-network label. Rules are
// evaluated in order; the first match wins.
type NetworkRule struct {
	Label  string
	Prefix *net.IPNet
}

// ParseNetworkRules parses an ordered "label=cidr,label=cidr" specification.
func ParseNetworkRules(spec string) ([]NetworkRule, error) {
	var rules []NetworkRule
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, cidr, ok := strings.Cut(part, "=")
		if !ok || label == "" {
			return nil, fmt.Errorf("network rule %q: want label=cidr", part)
		}
		_, prefix, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("network rule %q: %w", part, err)
		}
		rules = append(rules, NetworkRule{Label: strings.TrimSpace(label), Prefix: prefix})
	}
	if len(rules) == 0 {
		return nil, errors.New("no network rules given")
	}
	return rules, nil
}

// DefaultNetworkRules matches the reference testbed's docker networks.
func DefaultNetworkRules() []NetworkRule {
	rules, err := ParseNetworkRules("wifi=10.0.1.0/24,cellular_1=10.0.2.0/24,cellular_2=10.0.3.0/24")
	if err != nil {
		panic(err) // static rules, cannot fail
	}
	return rules
}

// Classifier enumerates an endpoint's interfaces and labels each with its
// logical network. It is a read-only query against the endpoint's network
// stack; every classification result lands in the audit log.
type Classifier struct {
	Runner  sbi.Runner
	Rules   []NetworkRule
	Audit   *audit.Log
	Metrics *observability.ControllerCollector
}

// Classify enumerates every non-loopback interface on the endpoint, in the
// endpoint's own device order. Interfaces without an IPv4 address appear
// with the AddrUnassigned placeholder. An endpoint that cannot be
// introspected yields a *TargetUnreachableError; the caller decides whether
// that is fatal for the run or only for the current step.
func (c *Classifier) Classify(ctx context.Context, endpoint string) ([]ClassifiedInterface, error) {
	links, err := c.query(ctx, endpoint, []string{"ip", "-o", "link", "show"})
	if err != nil {
		c.Metrics.RecordUnreachable(endpoint)
		return nil, &TargetUnreachableError{Endpoint: endpoint, Err: err}
	}
	addrs, err := c.query(ctx, endpoint, []string{"ip", "-o", "-4", "addr", "show"})
	if err != nil {
		c.Metrics.RecordUnreachable(endpoint)
		return nil, &TargetUnreachableError{Endpoint: endpoint, Err: err}
	}

	addrByIface := parseAddrLines(addrs)

	var out []ClassifiedInterface
	perNetwork := make(map[string]int)
	for _, name := range parseLinkLines(links) {
		if name == "lo" {
			continue
		}
		ci := ClassifiedInterface{Name: name, Address: AddrUnassigned, Network: NetworkUnknown}
		if addr, ok := addrByIface[name]; ok {
			ci.Address = addr
			ci.Network = c.label(addr)
		}
		out = append(out, ci)
		perNetwork[ci.Network]++
		if c.Audit != nil {
			c.Audit.Classification(endpoint, ci.Name, ci.Address, ci.Network)
		}
	}

	for network, n := range perNetwork {
		c.Metrics.SetClassifiedInterfaces(endpoint, network, n)
	}
	return out, nil
}

// query runs one introspection command; a non-zero exit is unreachability
// as far as classification is concerned.
func (c *Classifier) query(ctx context.Context, endpoint string, argv []string) (string, error) {
	res, err := c.Runner.Run(ctx, endpoint, argv)
	if c.Audit != nil {
		c.Audit.Command(endpoint, argv, res, err)
	}
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("%q exited %d: %s", strings.Join(argv, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (c *Classifier) label(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return NetworkUnknown
	}
	for _, r := range c.Rules {
		if r.Prefix.Contains(ip) {
			return r.Label
		}
	}
	return NetworkUnknown
}

// parseLinkLines extracts interface names, in device order, from
// `ip -o link show` output. Veth peers render as "eth0@if42"; the suffix is
// not part of the name.
func parseLinkLines(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// parseAddrLines extracts iface → IPv4 address from `ip -o -4 addr show`
// output. Only the first address per interface is kept.
func parseAddrLines(out string) map[string]string {
	addrs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		name := fields[1]
		if _, seen := addrs[name]; seen {
			continue
		}
		addr := fields[3]
		if slash := strings.Index(addr, "/"); slash >= 0 {
			addr = addr[:slash]
		}
		addrs[name] = addr
	}
	return addrs
}
