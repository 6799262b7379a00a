package engine

import (
	"testing"

	"github.com/talgya/dotsim/internal/entropy"
)

func newShockModel(src entropy.Source) *ShockModel {
	return &ShockModel{CrashProbability: 0.03, RecessionProbability: 0.01, src: src}
}

func TestShockCrash(t *testing.T) {
	// 0.0 fires the crash; 0.5 is a 37.5% loss for every agent.
	src := entropy.NewScripted(0.5, 0.0)
	st, rec := newTestState(t, src, 40, 40)

	if got := newShockModel(src).Check(st); got != ShockCrash {
		t.Fatalf("shock = %s, want crash", got)
	}
	for _, a := range st.Pop.Agents() {
		if a.Size != 25 {
			t.Fatalf("size = %d, want 25", a.Size)
		}
	}
	if st.Clock.RareEvents != 1 || rec.count(MarketCrash) != 1 {
		t.Fatalf("rare events = %d", st.Clock.RareEvents)
	}
}

func TestShockRecession(t *testing.T) {
	// crash misses, recession fires, coin picks recession, losses at 5%.
	src := entropy.NewScripted(0.0, 0.5, 0.0, 0.2)
	st, rec := newTestState(t, src, 100)

	if got := newShockModel(src).Check(st); got != ShockRecession {
		t.Fatalf("shock = %s, want recession", got)
	}
	// 100 → 95 → 90
	if got := st.Pop.At(0).Size; got != 90 {
		t.Fatalf("size = %d, want 90", got)
	}
	if st.Clock.RareEvents != 1 || rec.count(Recession) != 1 {
		t.Fatal("recession must count once")
	}
}

func TestShockDepression(t *testing.T) {
	src := entropy.NewScripted(0.0, 0.5, 0.0, 0.7)
	st, rec := newTestState(t, src, 100)

	if got := newShockModel(src).Check(st); got != ShockDepression {
		t.Fatalf("shock = %s, want depression", got)
	}
	// Six rounds at 15%: 85, 72, 61, 51, 43, 36.
	if got := st.Pop.At(0).Size; got != 36 {
		t.Fatalf("size = %d, want 36", got)
	}
	if st.Clock.RareEvents != 1 || rec.count(Depression) != 1 {
		t.Fatal("depression must count once")
	}
}

func TestShockNone(t *testing.T) {
	src := entropy.NewScripted(0.5)
	st, rec := newTestState(t, src, 100)

	if got := newShockModel(src).Check(st); got != ShockNone {
		t.Fatalf("shock = %s", got)
	}
	if st.Pop.At(0).Size != 100 || st.Clock.RareEvents != 0 || len(rec.events) != 0 {
		t.Fatal("no shock should leave state untouched")
	}
}

func TestShockFlagsWipedOutAgents(t *testing.T) {
	src := entropy.NewScripted(0.5, 0.0)
	st, _ := newTestState(t, src, 1, 40)

	newShockModel(src).Check(st)
	a := st.Pop.At(0)
	if a.Size != 0 || !st.IsDefeated(a.ID) {
		t.Fatalf("agent size %d flagged=%v", a.Size, st.IsDefeated(a.ID))
	}
	if st.IsDefeated(st.Pop.At(1).ID) {
		t.Fatal("surviving agent flagged")
	}
}

func TestParseShock(t *testing.T) {
	for _, k := range []ShockKind{ShockCrash, ShockRecession, ShockDepression} {
		got, err := ParseShock(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseShock(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseShock("boom"); err == nil {
		t.Fatal("expected error")
	}
}
