// core/scenario.go
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Scenario is the parsed, validated form of one scenario document, plus the
// exact bytes it was parsed from so the audit artifacts can carry a verbatim
// copy.
type Scenario struct {
	Name        string
	Description string
	Provenance  string
	Seed        int64
	Steps       []Step

	Raw []byte
}

// Step is one phase of a scenario. It is immutable once parsed.
type Step struct {
	Duration time.Duration
	DelayMs  int
	JitterMs int
	LossPct  float64
	RateKbit int
	// ActiveNetwork selects roaming mode when non-empty: interfaces on that
	// logical network receive this step's condition, every other interface
	// is blacked out.
	ActiveNetwork string
}

// Roaming reports whether the step is interpreted in roaming mode.
func (s Step) Roaming() bool { return s.ActiveNetwork != "" }

// Summary renders the step for logs and the audit record.
func (s Step) Summary() string {
	out := fmt.Sprintf("duration=%s delay=%dms jitter=%dms loss=%g%% rate=%dkbit",
		s.Duration, s.DelayMs, s.JitterMs, s.LossPct, s.RateKbit)
	if s.Roaming() {
		out += " active_network=" + s.ActiveNetwork
	}
	return out
}

// internal JSON shapes – kept unexported so the wire format can evolve
// without touching the public types. Unknown fields are ignored for forward
// compatibility.
type scenarioJSON struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Provenance  string     `json:"provenance"`
	Seed        int64      `json:"seed"`
	Steps       []stepJSON `json:"steps"`
}

type stepJSON struct {
	DurationS     *float64 `json:"duration_s"`
	DelayMs       *int     `json:"delay_ms"`
	JitterMs      *int     `json:"jitter_ms"`
	LossPct       *float64 `json:"loss_pct"`
	RateKbit      *int     `json:"rate_kbit"`
	ActiveNetwork string   `json:"active_network"`
}

// ParseScenario decodes and validates a scenario document. Any violation of
// the document invariants (no steps, missing or non-positive duration,
// out-of-range fields) is a *ParseError and fatal to the run.
func ParseScenario(raw []byte) (*Scenario, error) {
	var payload scenarioJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ParseError{Reason: "decode failed", Err: err}
	}

	if len(payload.Steps) == 0 {
		return nil, &ParseError{Reason: "scenario has no steps"}
	}

	sc := &Scenario{
		Name:        payload.Name,
		Description: payload.Description,
		Provenance:  payload.Provenance,
		Seed:        payload.Seed,
		Steps:       make([]Step, 0, len(payload.Steps)),
		Raw:         raw,
	}

	for i, js := range payload.Steps {
		step, err := parseStep(i, js)
		if err != nil {
			return nil, err
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

// LoadScenarioFile reads and parses the scenario document at path.
func LoadScenarioFile(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("read %q", path), Err: err}
	}
	return ParseScenario(raw)
}

func parseStep(index int, js stepJSON) (Step, error) {
	if js.DurationS == nil || *js.DurationS <= 0 {
		return Step{}, &ParseError{
			Reason: fmt.Sprintf("step %d: duration_s must be present and positive", index+1),
		}
	}

	step := Step{
		Duration:      time.Duration(*js.DurationS * float64(time.Second)),
		ActiveNetwork: js.ActiveNetwork,
	}

	if js.DelayMs != nil {
		if *js.DelayMs < 0 {
			return Step{}, &ParseError{Reason: fmt.Sprintf("step %d: delay_ms must be non-negative", index+1)}
		}
		step.DelayMs = *js.DelayMs
	}
	if js.JitterMs != nil {
		if *js.JitterMs < 0 {
			return Step{}, &ParseError{Reason: fmt.Sprintf("step %d: jitter_ms must be non-negative", index+1)}
		}
		step.JitterMs = *js.JitterMs
	}
	if js.LossPct != nil {
		if *js.LossPct < 0 || *js.LossPct > 100 {
			return Step{}, &ParseError{Reason: fmt.Sprintf("step %d: loss_pct must be in [0,100]", index+1)}
		}
		step.LossPct = *js.LossPct
	}
	if js.RateKbit != nil {
		if *js.RateKbit < 0 {
			return Step{}, &ParseError{Reason: fmt.Sprintf("step %d: rate_kbit must be non-negative", index+1)}
		}
		step.RateKbit = *js.RateKbit
	}

	return step, nil
}
