package core

import "testing"

func classified(pairs ...[2]string) []ClassifiedInterface {
	out := make([]ClassifiedInterface, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, ClassifiedInterface{Name: p[0], Address: "10.0.0.1", Network: p[1]})
	}
	return out
}

func TestResolveRoamingActiveGetsTemplate(t *testing.T) {
	template := Policy{DelayMs: 30, LossPct: 1}
	ifaces := classified([2]string{"eth0", "wifi"}, [2]string{"eth1", "cellular_1"})

	got := ResolveRoaming(ifaces, "wifi", template)
	if len(got) != 2 {
		t.Fatalf("resolved %d assignments, want 2", len(got))
	}

	if !got[0].Active || got[0].Policy != template {
		t.Errorf("eth0 = %+v, want active with template policy", got[0])
	}
	if got[1].Active || got[1].Policy != BlackoutPolicy() {
		t.Errorf("eth1 = %+v, want blackout", got[1])
	}
}

func TestResolveRoamingBlackoutIgnoresTemplate(t *testing.T) {
	// Even a heavy template must not leak into inactive interfaces.
	template := Policy{DelayMs: 500, JitterMs: 100, LossPct: 30, RateKbit: 64}
	ifaces := classified([2]string{"eth0", "cellular_2"})

	got := ResolveRoaming(ifaces, "wifi", template)
	if got[0].Policy != BlackoutPolicy() {
		t.Fatalf("inactive policy = %+v, want pure blackout", got[0].Policy)
	}
}

func TestResolveRoamingEmptyMatchBlacksOutEverything(t *testing.T) {
	ifaces := classified(
		[2]string{"eth0", "wifi"},
		[2]string{"eth1", "cellular_1"},
		[2]string{"eth2", NetworkUnknown},
	)

	got := ResolveRoaming(ifaces, "cellular_3", Policy{DelayMs: 10})
	if ActiveCount(got) != 0 {
		t.Fatalf("ActiveCount = %d, want 0", ActiveCount(got))
	}
	for _, a := range got {
		if a.Policy != BlackoutPolicy() {
			t.Errorf("%s policy = %+v, want blackout", a.Interface.Name, a.Policy)
		}
	}
}

func TestResolveRoamingPreservesDiscoveryOrder(t *testing.T) {
	ifaces := classified(
		[2]string{"eth2", "cellular_1"},
		[2]string{"eth0", "wifi"},
		[2]string{"eth1", "wifi"},
	)

	got := ResolveRoaming(ifaces, "wifi", Policy{DelayMs: 10})
	order := []string{"eth2", "eth0", "eth1"}
	for i, want := range order {
		if got[i].Interface.Name != want {
			t.Fatalf("assignment %d for %q, want %q", i, got[i].Interface.Name, want)
		}
	}
}

func TestResolveRoamingEmptyInterfaceSet(t *testing.T) {
	got := ResolveRoaming(nil, "wifi", Policy{DelayMs: 10})
	if len(got) != 0 {
		t.Fatalf("resolved %d assignments from no interfaces", len(got))
	}
}
