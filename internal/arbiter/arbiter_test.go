package arbiter

import (
	"testing"
	"time"

	"github.com/basket/nodepilot/internal/store"
)

var topoOrder = []string{"biz", "set", "module", "host"}

func policy(id int64, objID string, created time.Time) Claim {
	return Claim{
		SubscriptionID: id,
		Name:           "policy",
		Category:       store.CategoryPolicy,
		BkObjID:        objID,
		CreatedAt:      created,
	}
}

func TestPolicySuppressesOneShotInstall(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	hostPolicy := policy(1, "host", base)
	oneShot := Claim{SubscriptionID: 9, Category: store.CategoryOnce, BkObjID: "host", CreatedAt: base.Add(time.Hour)}

	d := Arbitrate("INSTALL", oneShot, topoOrder, []Claim{hostPolicy})
	if !d.Suppressed {
		t.Fatal("one-shot install must be suppressed by a covering policy")
	}
	if d.By == nil || d.By.SubscriptionID != 1 || d.By.Category != store.CategoryPolicy {
		t.Fatalf("suppressing claim = %+v", d.By)
	}

	// Stop is not an install/update action and passes through.
	d = Arbitrate("STOP", oneShot, topoOrder, []Claim{hostPolicy})
	if d.Suppressed {
		t.Fatal("one-shot stop must not be suppressed")
	}
}

func TestDeeperTopologyWins(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	bizPolicy := policy(1, "biz", base.Add(time.Hour)) // newer but shallower
	modulePolicy := policy(2, "module", base)

	d := Arbitrate("INSTALL", bizPolicy, topoOrder, []Claim{modulePolicy})
	if !d.Suppressed || d.By == nil || d.By.SubscriptionID != 2 {
		t.Fatalf("biz policy should lose to module policy: %+v", d)
	}

	d = Arbitrate("INSTALL", modulePolicy, topoOrder, []Claim{bizPolicy})
	if d.Suppressed {
		t.Fatalf("module policy must win: %+v", d)
	}
	if len(d.Ordered) != 2 || d.Ordered[0].SubscriptionID != 2 || d.Ordered[1].SubscriptionID != 1 {
		t.Fatalf("ordered = %+v", d.Ordered)
	}
}

func TestNewerWinsAtEqualDepth(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	older := policy(1, "set", base)
	newer := policy(2, "set", base.Add(time.Minute))

	d := Arbitrate("INSTALL", older, topoOrder, []Claim{newer})
	if !d.Suppressed || d.By.SubscriptionID != 2 {
		t.Fatalf("older policy should be suppressed: %+v", d)
	}

	// Identical create time: higher id is deterministic winner.
	tieA := policy(3, "set", base)
	tieB := policy(4, "set", base)
	d = Arbitrate("INSTALL", tieA, topoOrder, []Claim{tieB})
	if !d.Suppressed || d.By.SubscriptionID != 4 {
		t.Fatalf("tiebreak must pick the higher id: %+v", d)
	}
}

func TestOrderIsTransitiveAndTotal(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a := policy(1, "biz", base)               // lowest
	b := policy(2, "set", base)               // middle
	c := policy(3, "module", base)            // highest
	d := Arbitrate("INSTALL", a, topoOrder, []Claim{b, c})
	if !d.Suppressed || d.By.SubscriptionID != c.SubscriptionID {
		t.Fatalf("A must be suppressed by C (the top), not B: %+v", d.By)
	}
	want := []int64{3, 2, 1}
	for i, cl := range d.Ordered {
		if cl.SubscriptionID != want[i] {
			t.Fatalf("ordered = %+v, want ids %v", d.Ordered, want)
		}
	}
}

func TestEmptyTopoOrderFallsBackToCreateTime(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	deepOld := policy(1, "module", base)
	shallowNew := policy(2, "biz", base.Add(time.Hour))

	d := Arbitrate("INSTALL", deepOld, nil, []Claim{shallowNew})
	if !d.Suppressed || d.By.SubscriptionID != 2 {
		t.Fatalf("without topo order the newer policy wins: %+v", d)
	}
}

func TestDebugNeverArbitrated(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	debug := Claim{SubscriptionID: 9, Category: store.CategoryDebug, BkObjID: "host", CreatedAt: base}
	d := Arbitrate("INSTALL", debug, topoOrder, []Claim{policy(1, "host", base)})
	if d.Suppressed {
		t.Fatal("debug subscriptions are never suppressed")
	}
}

func TestSecondPriorityFallback(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p1 := policy(1, "biz", base)
	p2 := policy(2, "module", base)

	d := Arbitrate("INSTALL", p2, topoOrder, []Claim{p1})
	fallback := SecondPriority(d.Ordered)
	if fallback == nil || fallback.SubscriptionID != 1 || fallback.BkObjID != "biz" {
		t.Fatalf("fallback = %+v, want the biz policy", fallback)
	}

	if SecondPriority(d.Ordered[:1]) != nil {
		t.Fatal("a single claim has no fallback")
	}
}
