// core/resolver.go
package core

// Assignment pairs one classified interface with the policy it should
// receive for the current step. Order follows interface discovery order so
// audit logs are reproducible.
type Assignment struct {
	Interface ClassifiedInterface
	Policy    Policy
	// Active marks interfaces belonging to the step's active network.
	Active bool
}

// ResolveRoaming computes, per classified interface, whether it receives the
// step's condition (it belongs to the active network) or total blackout (it
// does not). Zero matches is a valid outcome — "no active path" expresses a
// full outage — and the caller is expected to log it as a warning, not an
// error.
func ResolveRoaming(interfaces []ClassifiedInterface, activeNetwork string, template Policy) []Assignment {
	out := make([]Assignment, 0, len(interfaces))
	for _, ci := range interfaces {
		if ci.Network == activeNetwork {
			out = append(out, Assignment{Interface: ci, Policy: template, Active: true})
		} else {
			out = append(out, Assignment{Interface: ci, Policy: BlackoutPolicy()})
		}
	}
	return out
}

// ActiveCount reports how many assignments matched the active network.
func ActiveCount(assignments []Assignment) int {
	n := 0
	for _, a := range assignments {
		if a.Active {
			n++
		}
	}
	return n
}
