package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControllerCollector bundles Prometheus metrics for the impairment
// controller. All recording methods are nil-safe so call sites do not have to
// guard against a disabled metrics surface.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	StepsApplied   prometheus.Counter
	StepDuration   prometheus.Histogram
	ApplyCommands  *prometheus.CounterVec
	ApplyFailures  *prometheus.CounterVec
	TimingOverruns prometheus.Counter
	Unreachable    *prometheus.CounterVec
	Interfaces     *prometheus.GaugeVec
	ScenarioSteps  prometheus.Gauge
}

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netem_steps_applied_total",
		Help: "Total number of scenario steps whose dispatch completed.",
	}), "netem_steps_applied_total")
	if err != nil {
		return nil, err
	}

	stepDur, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netem_step_dispatch_seconds",
		Help:    "Time spent dispatching all apply commands for one step.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "netem_step_dispatch_seconds")
	if err != nil {
		return nil, err
	}

	cmds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netem_apply_commands_total",
		Help: "Shaping commands attempted, labeled by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
	cmds, err = registerCounterVec(reg, cmds, "netem_apply_commands_total")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netem_apply_failures_total",
		Help: "Policy applications that failed even after the replace retry.",
	}, []string{"endpoint"})
	failures, err = registerCounterVec(reg, failures, "netem_apply_failures_total")
	if err != nil {
		return nil, err
	}

	overruns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netem_timing_overruns_total",
		Help: "Steps whose application took longer than the step duration.",
	}), "netem_timing_overruns_total")
	if err != nil {
		return nil, err
	}

	unreachable := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netem_target_unreachable_total",
		Help: "Classification attempts that found the endpoint unreachable.",
	}, []string{"endpoint"})
	unreachable, err = registerCounterVec(reg, unreachable, "netem_target_unreachable_total")
	if err != nil {
		return nil, err
	}

	ifaces := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netem_classified_interfaces",
		Help: "Interfaces seen at the last classification, by endpoint and logical network.",
	}, []string{"endpoint", "network"})
	ifaces, err = registerGaugeVec(reg, ifaces, "netem_classified_interfaces")
	if err != nil {
		return nil, err
	}

	scenarioSteps, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netem_scenario_steps",
		Help: "Number of steps in the loaded scenario.",
	}), "netem_scenario_steps")
	if err != nil {
		return nil, err
	}

	return &ControllerCollector{
		gatherer:       gatherer,
		StepsApplied:   steps,
		StepDuration:   stepDur,
		ApplyCommands:  cmds,
		ApplyFailures:  failures,
		TimingOverruns: overruns,
		Unreachable:    unreachable,
		Interfaces:     ifaces,
		ScenarioSteps:  scenarioSteps,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ControllerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordCommand counts one attempted shaping command.
func (c *ControllerCollector) RecordCommand(endpoint, outcome string) {
	if c == nil || c.ApplyCommands == nil {
		return
	}
	c.ApplyCommands.WithLabelValues(endpoint, outcome).Inc()
}

// RecordApplyFailure counts a policy application that exhausted its retry.
func (c *ControllerCollector) RecordApplyFailure(endpoint string) {
	if c == nil || c.ApplyFailures == nil {
		return
	}
	c.ApplyFailures.WithLabelValues(endpoint).Inc()
}

// RecordStepDispatched counts a completed step dispatch and its latency.
func (c *ControllerCollector) RecordStepDispatched(seconds float64) {
	if c == nil {
		return
	}
	if c.StepsApplied != nil {
		c.StepsApplied.Inc()
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(seconds)
	}
}

// RecordTimingOverrun counts a step that blew its duration budget.
func (c *ControllerCollector) RecordTimingOverrun() {
	if c == nil || c.TimingOverruns == nil {
		return
	}
	c.TimingOverruns.Inc()
}

// RecordUnreachable counts a failed endpoint introspection.
func (c *ControllerCollector) RecordUnreachable(endpoint string) {
	if c == nil || c.Unreachable == nil {
		return
	}
	c.Unreachable.WithLabelValues(endpoint).Inc()
}

// SetClassifiedInterfaces publishes the interface count for one endpoint and
// logical network as of the latest classification.
func (c *ControllerCollector) SetClassifiedInterfaces(endpoint, network string, n int) {
	if c == nil || c.Interfaces == nil {
		return
	}
	c.Interfaces.WithLabelValues(endpoint, network).Set(float64(n))
}

// SetScenarioSteps publishes the size of the loaded scenario.
func (c *ControllerCollector) SetScenarioSteps(n int) {
	if c == nil || c.ScenarioSteps == nil {
		return
	}
	c.ScenarioSteps.Set(float64(n))
}

func registerCounter(reg prometheus.Registerer, ctr prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(ctr); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return ctr, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
