// core/policy.go
package core

import "fmt"

// Policy is the full description of the traffic-shaping configuration
// applied to one interface. The zero value is the clear policy (no shaping).
type Policy struct {
	DelayMs  int
	JitterMs int
	LossPct  float64
	RateKbit int
	// Blackout forces a pure-loss rule with no delay term, modelling total
	// unreachability of an unselected radio.
	Blackout bool
}

// tbf parameters for the rate-limiting stage. The burst must cover at least
// one MTU at the configured rate; 32kbit is comfortable for the rates this
// testbed exercises. The latency cap bounds queuing in the bucket so a rate
// ceiling does not turn into unbounded buffering.
const (
	tbfBurst   = "32kbit"
	tbfLatency = "400ms"
)

// BlackoutPolicy returns the policy representing total unreachability.
func BlackoutPolicy() Policy { return Policy{LossPct: 100, Blackout: true} }

// UniformPolicy builds the policy a uniform-mode step applies to every
// target interface.
func UniformPolicy(s Step) Policy {
	return Policy{
		DelayMs:  s.DelayMs,
		JitterMs: s.JitterMs,
		LossPct:  s.LossPct,
		RateKbit: s.RateKbit,
	}
}

// IsClear reports whether the policy requests no shaping at all. Applying a
// clear policy reduces to removing the existing root discipline.
func (p Policy) IsClear() bool {
	return !p.Blackout && p.DelayMs == 0 && p.JitterMs == 0 && p.LossPct == 0 && p.RateKbit == 0
}

// Equal reports whether two policies describe the same shaping state.
func (p Policy) Equal(o Policy) bool { return p == o }

func (p Policy) String() string {
	switch {
	case p.Blackout:
		return "blackout"
	case p.IsClear():
		return "clear"
	default:
		return fmt.Sprintf("delay=%dms jitter=%dms loss=%g%% rate=%dkbit",
			p.DelayMs, p.JitterMs, p.LossPct, p.RateKbit)
	}
}

// Commands renders the ordered tc programs that install this policy on
// iface. verb is "add" for a first installation or "replace" for the atomic
// retry path; both produce the same end state.
//
// Shapes produced:
//   - blackout:      one netem root carrying only the loss term
//   - rate ceiling:  tbf root (rate, burst, latency cap) + netem child
//   - otherwise:     one netem root with delay/jitter/loss
//
// A clear policy renders no commands; the caller's delete pass is the whole
// program.
func (p Policy) Commands(iface, verb string) [][]string {
	if p.IsClear() {
		return nil
	}

	if p.Blackout {
		return [][]string{
			{"tc", "qdisc", verb, "dev", iface, "root", "netem", "loss", "100%"},
		}
	}

	if p.RateKbit > 0 {
		root := []string{
			"tc", "qdisc", verb, "dev", iface, "root", "handle", "1:",
			"tbf", "rate", fmt.Sprintf("%dkbit", p.RateKbit),
			"burst", tbfBurst, "latency", tbfLatency,
		}
		child := append([]string{
			"tc", "qdisc", verb, "dev", iface, "parent", "1:1", "handle", "10:", "netem",
		}, p.netemArgs()...)
		return [][]string{root, child}
	}

	single := append([]string{
		"tc", "qdisc", verb, "dev", iface, "root", "netem",
	}, p.netemArgs()...)
	return [][]string{single}
}

// netemArgs renders the delay/jitter/loss parameter list shared by the
// single-stage and layered shapes.
func (p Policy) netemArgs() []string {
	var args []string
	if p.DelayMs > 0 || p.JitterMs > 0 {
		args = append(args, "delay", fmt.Sprintf("%dms", p.DelayMs))
		if p.JitterMs > 0 {
			// Jitter is a normal-distribution spread around the base delay.
			args = append(args, fmt.Sprintf("%dms", p.JitterMs), "distribution", "normal")
		}
	}
	if p.LossPct > 0 {
		args = append(args, "loss", fmt.Sprintf("%g%%", p.LossPct))
	}
	return args
}

// DeleteCommand renders the root-discipline removal issued before every
// installation. "Nothing to remove" from this command is expected and
// treated as success; that is what makes Apply idempotent.
func DeleteCommand(iface string) []string {
	return []string{"tc", "qdisc", "del", "dev", iface, "root"}
}
