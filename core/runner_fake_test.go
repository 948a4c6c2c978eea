package core

import (
	"context"
	"strings"
	"sync"

	"github.com/signalsfoundry/netem-controller/internal/sbi"
)

// fakeRunner is a scriptable Runner that records every call. The respond
// hook, when set, decides the outcome per call; the default is exit 0.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	respond func(endpoint string, argv []string) (sbi.Result, error)
}

type runnerCall struct {
	endpoint string
	argv     []string
}

func (f *fakeRunner) Run(ctx context.Context, endpoint string, argv []string) (sbi.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{endpoint: endpoint, argv: append([]string(nil), argv...)})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(endpoint, argv)
	}
	return sbi.Result{}, nil
}

// commands returns every call for endpoint rendered as one string each.
func (f *fakeRunner) commands(endpoint string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.endpoint == endpoint {
			out = append(out, strings.Join(c.argv, " "))
		}
	}
	return out
}

// allCommands returns every call as "endpoint: argv".
func (f *fakeRunner) allCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.endpoint+": "+strings.Join(c.argv, " "))
	}
	return out
}

// absentRootDelete simulates iproute2's response to deleting a root qdisc
// that is not there.
func absentRootDelete() (sbi.Result, error) {
	return sbi.Result{ExitCode: 2, Stderr: "RTNETLINK answers: No such file or directory\n"}, nil
}

func isQdiscDelete(argv []string) bool {
	return len(argv) > 2 && argv[0] == "tc" && argv[2] == "del"
}

func isQdiscAdd(argv []string) bool {
	return len(argv) > 2 && argv[0] == "tc" && argv[2] == "add"
}

func isQdiscReplace(argv []string) bool {
	return len(argv) > 2 && argv[0] == "tc" && argv[2] == "replace"
}

func isIPQuery(argv []string) bool {
	return len(argv) > 0 && argv[0] == "ip"
}

// ipOutputs wires canned `ip -o link show` / `ip -o -4 addr show` responses
// into a respond hook, delegating everything else to next (ok when nil).
func ipOutputs(linkOut, addrOut string, next func(endpoint string, argv []string) (sbi.Result, error)) func(string, []string) (sbi.Result, error) {
	return func(endpoint string, argv []string) (sbi.Result, error) {
		if isIPQuery(argv) {
			if len(argv) >= 3 && argv[2] == "link" {
				return sbi.Result{Stdout: linkOut}, nil
			}
			return sbi.Result{Stdout: addrOut}, nil
		}
		if next != nil {
			return next(endpoint, argv)
		}
		if isQdiscDelete(argv) {
			return absentRootDelete()
		}
		return sbi.Result{}, nil
	}
}
