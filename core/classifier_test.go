package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/netem-controller/internal/audit"
	"github.com/signalsfoundry/netem-controller/internal/sbi"
)

const sampleLinkOut = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN
2: eth0@if40: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP
3: eth1@if42: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP
4: eth2@if44: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP
`

const sampleAddrOut = `1: lo    inet 127.0.0.1/8 scope host lo\       valid_lft forever preferred_lft forever
2: eth0    inet 10.0.1.5/24 brd 10.0.1.255 scope global eth0\       valid_lft forever preferred_lft forever
3: eth1    inet 10.0.2.9/24 brd 10.0.2.255 scope global eth1\       valid_lft forever preferred_lft forever
`

func newTestClassifier(f *fakeRunner, log *audit.Log) *Classifier {
	return &Classifier{
		Runner: f,
		Rules:  DefaultNetworkRules(),
		Audit:  log,
	}
}

func TestClassifyLabelsAndOrder(t *testing.T) {
	f := &fakeRunner{respond: ipOutputs(sampleLinkOut, sampleAddrOut, nil)}
	c := newTestClassifier(f, nil)

	got, err := c.Classify(context.Background(), "ep-a")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	want := []ClassifiedInterface{
		{Name: "eth0", Address: "10.0.1.5", Network: "wifi"},
		{Name: "eth1", Address: "10.0.2.9", Network: "cellular_1"},
		{Name: "eth2", Address: AddrUnassigned, Network: NetworkUnknown},
	}
	if len(got) != len(want) {
		t.Fatalf("Classify returned %d interfaces, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interface %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestClassifyExcludesLoopback(t *testing.T) {
	f := &fakeRunner{respond: ipOutputs(sampleLinkOut, sampleAddrOut, nil)}
	c := newTestClassifier(f, nil)

	got, err := c.Classify(context.Background(), "ep-a")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	for _, ci := range got {
		if ci.Name == "lo" {
			t.Fatalf("loopback must be excluded: %+v", got)
		}
	}
}

func TestClassifyUnreachableEndpoint(t *testing.T) {
	f := &fakeRunner{respond: func(endpoint string, argv []string) (sbi.Result, error) {
		return sbi.Result{}, errors.New("No such container: ep-gone")
	}}
	c := newTestClassifier(f, nil)

	_, err := c.Classify(context.Background(), "ep-gone")
	var tu *TargetUnreachableError
	if !errors.As(err, &tu) {
		t.Fatalf("error %T (%v), want *TargetUnreachableError", err, err)
	}
	if tu.Endpoint != "ep-gone" {
		t.Fatalf("Endpoint = %q, want ep-gone", tu.Endpoint)
	}
}

func TestClassifyNonZeroExitIsUnreachable(t *testing.T) {
	f := &fakeRunner{respond: func(endpoint string, argv []string) (sbi.Result, error) {
		return sbi.Result{ExitCode: 1, Stderr: "ip: command not found"}, nil
	}}
	c := newTestClassifier(f, nil)

	_, err := c.Classify(context.Background(), "ep-a")
	var tu *TargetUnreachableError
	if !errors.As(err, &tu) {
		t.Fatalf("error %T (%v), want *TargetUnreachableError", err, err)
	}
}

func TestClassifyAuditsResults(t *testing.T) {
	var sb strings.Builder
	log := audit.New(&sb, nil)
	f := &fakeRunner{respond: ipOutputs(sampleLinkOut, sampleAddrOut, nil)}
	c := newTestClassifier(f, log)

	if _, err := c.Classify(context.Background(), "ep-a"); err != nil {
		t.Fatalf("Classify: %v", err)
	}

	out := sb.String()
	for _, want := range []string{
		"CLASSIFY endpoint=ep-a iface=eth0 addr=10.0.1.5 network=wifi",
		"CLASSIFY endpoint=ep-a iface=eth1 addr=10.0.2.9 network=cellular_1",
		"CLASSIFY endpoint=ep-a iface=eth2 addr=unassigned network=unknown",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %q:\n%s", want, out)
		}
	}
}

func TestParseNetworkRules(t *testing.T) {
	rules, err := ParseNetworkRules("wifi=192.168.0.0/16, lab=172.20.0.0/24")
	if err != nil {
		t.Fatalf("ParseNetworkRules: %v", err)
	}
	if len(rules) != 2 || rules[0].Label != "wifi" || rules[1].Label != "lab" {
		t.Fatalf("rules = %+v", rules)
	}

	if _, err := ParseNetworkRules("wifi"); err == nil {
		t.Fatalf("missing cidr must fail")
	}
	if _, err := ParseNetworkRules("wifi=not-a-cidr"); err == nil {
		t.Fatalf("bad cidr must fail")
	}
	if _, err := ParseNetworkRules(""); err == nil {
		t.Fatalf("empty spec must fail")
	}
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	rules, err := ParseNetworkRules("inner=10.0.0.0/8,outer=10.0.1.0/24")
	if err != nil {
		t.Fatalf("ParseNetworkRules: %v", err)
	}
	c := &Classifier{Rules: rules}

	if got := c.label("10.0.1.7"); got != "inner" {
		t.Fatalf("label = %q, want inner (first matching rule)", got)
	}
}
