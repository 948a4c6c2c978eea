// core/applicator.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/netem-controller/internal/audit"
	"github.com/signalsfoundry/netem-controller/internal/logging"
	"github.com/signalsfoundry/netem-controller/internal/observability"
	"github.com/signalsfoundry/netem-controller/internal/sbi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Applicator programs one interface's traffic-shaping policy at a time. All
// non-determinism from the external tc surface (stale handles, transient
// failures) is isolated behind its single retry boundary; callers only ever
// see success or an *ApplyFailure.
type Applicator struct {
	Runner  sbi.Runner
	Audit   *audit.Log
	Log     logging.Logger
	Metrics *observability.ControllerCollector
}

// Apply installs policy on endpoint/iface, replacing whatever was there.
//
// The sequence is: remove the existing root discipline (a "nothing to
// remove" outcome is expected and counts as success — this is the
// idempotency guarantee), then install the policy's program with "add". If
// any add fails, the whole program is retried once with "replace", which
// substitutes disciplines atomically without requiring prior removal. A
// second failure is an *ApplyFailure: logged, counted, and non-fatal to the
// caller.
func (a *Applicator) Apply(ctx context.Context, endpoint, iface string, policy Policy) error {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "policy.apply",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("iface", iface),
			attribute.String("policy", policy.String()),
		),
	)
	defer span.End()

	a.deleteRoot(ctx, endpoint, iface)

	if policy.IsClear() {
		return nil
	}

	if err := a.install(ctx, endpoint, iface, policy, "add"); err == nil {
		return nil
	}

	if err := a.install(ctx, endpoint, iface, policy, "replace"); err != nil {
		fail := &ApplyFailure{Endpoint: endpoint, Interface: iface, Command: err.command, Err: err.err}
		span.SetStatus(codes.Error, fail.Err.Error())
		a.Metrics.RecordApplyFailure(endpoint)
		if a.Audit != nil {
			a.Audit.Failure("apply failed after replace retry",
				"endpoint", endpoint, "iface", iface, "policy", policy.String())
		}
		if a.Log != nil {
			a.Log.Error(ctx, "policy application failed",
				logging.String("endpoint", endpoint),
				logging.String("iface", iface),
				logging.String("policy", policy.String()),
				logging.Err(fail.Err),
			)
		}
		return fail
	}
	return nil
}

// Clear removes any shaping from endpoint/iface. "Already clear" is
// success; anything else is an *ApplyFailure.
func (a *Applicator) Clear(ctx context.Context, endpoint, iface string) error {
	argv := DeleteCommand(iface)
	res, err := a.run(ctx, endpoint, argv)
	switch {
	case err != nil:
		return &ApplyFailure{Endpoint: endpoint, Interface: iface, Command: argv, Err: err}
	case res.Ok(), isNothingToDelete(res):
		return nil
	default:
		return &ApplyFailure{
			Endpoint: endpoint, Interface: iface, Command: argv,
			Err: fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}
}

// ClearAll issues a best-effort clear across every (endpoint, interface)
// pair, continuing past individual failures and returning them joined. It
// is the release half of the "armed shaping state" acquisition: the process
// lifecycle calls it on every exit path, including cancellation, so ctx here
// is deliberately independent of the run context.
func (a *Applicator) ClearAll(ctx context.Context, ifacesByEndpoint map[string][]string) error {
	var errs []error
	for endpoint, ifaces := range ifacesByEndpoint {
		for _, iface := range ifaces {
			if err := a.Clear(ctx, endpoint, iface); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// installError carries the failing command so ApplyFailure can name it.
type installError struct {
	command []string
	err     error
}

func (e *installError) Error() string { return e.err.Error() }

func (a *Applicator) install(ctx context.Context, endpoint, iface string, policy Policy, verb string) *installError {
	for _, argv := range policy.Commands(iface, verb) {
		res, err := a.run(ctx, endpoint, argv)
		if err != nil {
			return &installError{command: argv, err: err}
		}
		if !res.Ok() {
			return &installError{
				command: argv,
				err:     fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
			}
		}
	}
	return nil
}

// deleteRoot issues the pre-install removal. Failures beyond "nothing to
// remove" are logged but do not stop the install: the add (and its replace
// retry) is the authoritative failure signal.
func (a *Applicator) deleteRoot(ctx context.Context, endpoint, iface string) {
	argv := DeleteCommand(iface)
	res, err := a.run(ctx, endpoint, argv)
	if err == nil && (res.Ok() || isNothingToDelete(res)) {
		return
	}
	if a.Log != nil {
		a.Log.Debug(ctx, "pre-install delete did not succeed",
			logging.String("endpoint", endpoint),
			logging.String("iface", iface),
			logging.Int("exit", res.ExitCode),
			logging.String("stderr", strings.TrimSpace(res.Stderr)),
		)
	}
}

// run executes one command and records the attempt — success or not — in
// the audit log and metrics before anyone interprets the result.
func (a *Applicator) run(ctx context.Context, endpoint string, argv []string) (sbi.Result, error) {
	res, err := a.Runner.Run(ctx, endpoint, argv)
	if a.Audit != nil {
		a.Audit.Command(endpoint, argv, res, err)
	}
	switch {
	case err != nil:
		a.Metrics.RecordCommand(endpoint, "error")
	case res.ExitCode != 0:
		a.Metrics.RecordCommand(endpoint, "exit")
	default:
		a.Metrics.RecordCommand(endpoint, "ok")
	}
	return res, err
}

// isNothingToDelete recognises the iproute2 responses for deleting an
// absent root qdisc. Only these count as success; a genuinely conflicting
// delete failure still surfaces through the add/replace path.
func isNothingToDelete(res sbi.Result) bool {
	s := res.Stderr
	return strings.Contains(s, "No such file or directory") ||
		strings.Contains(s, "Cannot delete qdisc with handle of zero") ||
		strings.Contains(s, "Invalid handle")
}
