// core/stepper.go
package core

import (
	"context"
	"sync"

	"github.com/signalsfoundry/netem-controller/internal/audit"
	"github.com/signalsfoundry/netem-controller/internal/logging"
	"github.com/signalsfoundry/netem-controller/internal/observability"
	"github.com/signalsfoundry/netem-controller/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StepperState is the controller's lifecycle state.
type StepperState int

const (
	StateIdle StepperState = iota
	StateRunning
	StateInterrupted
)

func (s StepperState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateInterrupted:
		return "interrupted"
	default:
		return "invalid"
	}
}

// Stepper drives one scenario end to end: for every step it resolves target
// policies, dispatches them through the Applicator, then holds for the
// step's duration. It owns the timing loop; everything else is a function of
// its inputs plus a side effect against one endpoint.
//
// Failures never abort the scenario. A test scenario's value is in its
// timing fidelity, so the stepper accumulates failures for reporting and
// proceeds on schedule.
type Stepper struct {
	Scenario         *Scenario
	Targets          []string
	DefaultInterface string
	Classifier       *Classifier
	Applicator       *Applicator
	Clock            timectrl.Clock
	Audit            *audit.Log
	Log              logging.Logger
	Metrics          *observability.ControllerCollector

	mu        sync.Mutex
	state     StepperState
	stepIndex int
	failures  []error
	touched   map[string][]string
	touchedIx map[string]map[string]struct{}
}

// Run executes the scenario. Steps are strictly sequential: dispatch for
// step N completes before its wait begins, and the wait fully elapses before
// step N+1's dispatch. If dispatch alone exceeds the step duration the next
// step begins immediately and the overrun is logged, not escalated.
//
// On exhaustion the stepper records scenario completion and idles until ctx
// is cancelled, leaving the final conditions in place for manual
// interaction. Run returns nil after normal exhaustion and ctx.Err() when
// interrupted mid-scenario.
func (s *Stepper) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logging.Noop()
	}
	tracer := otel.Tracer(observability.TracerName)
	total := len(s.Scenario.Steps)

	for i, step := range s.Scenario.Steps {
		if ctx.Err() != nil {
			s.interrupt(i)
			return ctx.Err()
		}
		s.setState(StateRunning, i)

		if s.Audit != nil {
			s.Audit.StepStart(i, total, step.Summary())
		}
		log.Info(ctx, "step start",
			logging.Int("step", i+1),
			logging.Int("total_steps", total),
			logging.String("profile", step.Summary()),
		)

		start := s.Clock.Now()
		stepCtx, span := tracer.Start(ctx, "scenario.step",
			trace.WithAttributes(
				attribute.Int("step.index", i+1),
				attribute.String("step.profile", step.Summary()),
			),
		)
		s.dispatch(stepCtx, step)
		span.End()
		elapsed := s.Clock.Now().Sub(start)

		if s.Audit != nil {
			s.Audit.StepDispatched(i, elapsed)
			if err := s.Audit.WriteSentinel(i+1, total); err != nil {
				log.Warn(ctx, "sentinel write failed", logging.Err(err))
			}
		}
		s.Metrics.RecordStepDispatched(elapsed.Seconds())

		remaining := step.Duration - elapsed
		if remaining <= 0 {
			over := -remaining
			s.Metrics.RecordTimingOverrun()
			if s.Audit != nil {
				s.Audit.TimingOverrun(i, over)
			}
			log.Warn(ctx, "timing budget overrun",
				logging.Int("step", i+1),
				logging.Any("over", over),
			)
			continue
		}

		select {
		case <-ctx.Done():
			s.interrupt(i)
			return ctx.Err()
		case <-s.Clock.After(remaining):
		}
	}

	if s.Audit != nil {
		s.Audit.ScenarioComplete(total)
	}
	log.Info(ctx, "scenario complete; conditions left in place, idling until cancelled",
		logging.Int("total_steps", total),
		logging.Int("failures", len(s.Failures())),
	)
	s.setState(StateIdle, -1)

	<-ctx.Done()
	return nil
}

// dispatch resolves and applies one step's policies. Endpoints are
// independent network namespaces, so they run in parallel; interfaces within
// an endpoint are applied sequentially in discovery order so its audit trail
// is deterministic.
func (s *Stepper) dispatch(ctx context.Context, step Step) {
	var wg sync.WaitGroup
	for _, endpoint := range s.Targets {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			s.dispatchEndpoint(ctx, endpoint, step)
		}(endpoint)
	}
	wg.Wait()
}

func (s *Stepper) dispatchEndpoint(ctx context.Context, endpoint string, step Step) {
	log := s.Log
	if log == nil {
		log = logging.Noop()
	}

	if !step.Roaming() {
		s.noteInterface(endpoint, s.DefaultInterface)
		if err := s.Applicator.Apply(ctx, endpoint, s.DefaultInterface, UniformPolicy(step)); err != nil {
			s.recordFailure(err)
		}
		return
	}

	// Roaming mode: re-enumerate fresh every step, addresses may have
	// changed since the last one.
	ifaces, err := s.Classifier.Classify(ctx, endpoint)
	if err != nil {
		s.recordFailure(err)
		if s.Audit != nil {
			s.Audit.Failure("endpoint skipped for step", "endpoint", endpoint, "reason", err.Error())
		}
		log.Warn(ctx, "endpoint unreachable, skipped for this step",
			logging.String("endpoint", endpoint),
			logging.Err(err),
		)
		return
	}

	assignments := ResolveRoaming(ifaces, step.ActiveNetwork, UniformPolicy(step))
	if ActiveCount(assignments) == 0 {
		if s.Audit != nil {
			s.Audit.Warn("no interface matches active network; endpoint fully blacked out",
				"endpoint", endpoint, "active_network", step.ActiveNetwork)
		}
		log.Warn(ctx, "no interface matches active network",
			logging.String("endpoint", endpoint),
			logging.String("active_network", step.ActiveNetwork),
		)
	}

	for _, asg := range assignments {
		s.noteInterface(endpoint, asg.Interface.Name)
		if err := s.Applicator.Apply(ctx, endpoint, asg.Interface.Name, asg.Policy); err != nil {
			s.recordFailure(err)
		}
	}
}

// State returns the current lifecycle state.
func (s *Stepper) State() StepperState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentStep returns the zero-based index of the running step, or -1.
func (s *Stepper) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepIndex
}

// Failures returns every recovered error accumulated so far.
func (s *Stepper) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.failures))
	copy(out, s.failures)
	return out
}

// TouchedInterfaces reports every (endpoint, interface) pair the run has
// programmed, in first-touched order per endpoint. The surrounding process
// lifecycle feeds this to ClearAll on shutdown.
func (s *Stepper) TouchedInterfaces() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.touched))
	for ep, ifaces := range s.touched {
		cp := make([]string, len(ifaces))
		copy(cp, ifaces)
		out[ep] = cp
	}
	return out
}

func (s *Stepper) setState(st StepperState, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.stepIndex = index
}

func (s *Stepper) interrupt(index int) {
	s.setState(StateInterrupted, index)
	if s.Audit != nil {
		s.Audit.Interrupted(index)
	}
}

func (s *Stepper) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *Stepper) noteInterface(endpoint, iface string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched == nil {
		s.touched = make(map[string][]string)
		s.touchedIx = make(map[string]map[string]struct{})
	}
	set, ok := s.touchedIx[endpoint]
	if !ok {
		set = make(map[string]struct{})
		s.touchedIx[endpoint] = set
	}
	if _, seen := set[iface]; seen {
		return
	}
	set[iface] = struct{}{}
	s.touched[endpoint] = append(s.touched[endpoint], iface)
}
