package strategy

import (
	"math"
	"testing"

	"github.com/talgya/dotsim/internal/entropy"
)

func TestTitForTatCopiesOpponent(t *testing.T) {
	s := NewTitForTat()
	if !s.Decide(Context{}) {
		t.Fatal("tit-for-tat should open with cooperation")
	}
	s.Observe(Outcome{OpponentMove: false})
	if s.Decide(Context{}) {
		t.Fatal("expected defection after opponent defected")
	}
	s.Observe(Outcome{OpponentMove: true})
	if !s.Decide(Context{}) {
		t.Fatal("expected cooperation after opponent cooperated")
	}
}

func TestRandomPlayUsesSource(t *testing.T) {
	s := NewRandomPlay(entropy.NewScripted(0.9, 0.1, 0.7))
	if !s.Decide(Context{}) {
		t.Fatal("draw 0.1 should cooperate")
	}
	if s.Decide(Context{}) {
		t.Fatal("draw 0.7 should defect")
	}
}

func TestPavlovFlipsWhenOpponentCooperates(t *testing.T) {
	s := NewPavlov()
	if !s.Decide(Context{}) {
		t.Fatal("pavlov should open with cooperation")
	}
	s.Observe(Outcome{OpponentMove: true})
	if s.Decide(Context{}) {
		t.Fatal("opponent cooperation should flip the stance")
	}
	s.Observe(Outcome{OpponentMove: false})
	if s.Decide(Context{}) {
		t.Fatal("opponent defection should keep the stance")
	}
	s.Observe(Outcome{OpponentMove: true})
	if !s.Decide(Context{}) {
		t.Fatal("second cooperation should flip back")
	}
}

func TestFictitiousPlayMajority(t *testing.T) {
	s := NewFictitiousPlay()
	if s.Decide(Context{}) {
		t.Fatal("with no history the counts tie and it defects")
	}
	s.Observe(Outcome{OpponentMove: true})
	if !s.Decide(Context{}) {
		t.Fatal("1 vs 0 should cooperate")
	}
	s.Observe(Outcome{OpponentMove: false})
	if s.Decide(Context{}) {
		t.Fatal("1 vs 1 should defect")
	}
}

func TestQLearningLazyInitAndUpdate(t *testing.T) {
	src := entropy.NewScripted(0.99, 0.4, 0.6)
	s := NewQLearning(src, 0.1, 0.9)

	if !s.Decide(Context{Memory: false}) {
		t.Fatal("draw 0.4 < 0.5 should cooperate")
	}
	if s.Decide(Context{Memory: false}) {
		t.Fatal("draw 0.6 >= 0.5 should defect")
	}
	if got := s.Propensity(true); got != 0.5 {
		t.Fatalf("unseen state propensity = %v", got)
	}

	s.Observe(Outcome{State: false, NextState: true, Reward: 3})
	// 0.5 + 0.1*(3 + 0.9*0.5 - 0.5)
	want := 0.795
	if got := s.Propensity(false); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Q[false] = %v, want %v", got, want)
	}
}

func TestQLearningUsesRawPayoff(t *testing.T) {
	s := NewQLearning(entropy.New(1), 0.1, 0.9)
	s.Observe(Outcome{State: true, NextState: true, Reward: -2})
	// 0.5 + 0.1*(-2 + 0.45 - 0.5)
	if got, want := s.Propensity(true), 0.295; math.Abs(got-want) > 1e-12 {
		t.Fatalf("Q[true] = %v, want %v", got, want)
	}
	s.Observe(Outcome{State: true, NextState: false, Reward: -5})
	if got := s.Propensity(true); got != 0 {
		t.Fatalf("expected clamp at 0, got %v", got)
	}
}

func TestQLearningStaysAProbability(t *testing.T) {
	s := NewQLearning(entropy.New(1), 1.0, 0.9)
	for i := 0; i < 50; i++ {
		s.Observe(Outcome{State: true, NextState: true, Reward: 5})
	}
	if got := s.Propensity(true); got != 1 {
		t.Fatalf("expected clamp at 1, got %v", got)
	}
	for i := 0; i < 50; i++ {
		s.Observe(Outcome{State: true, NextState: false, Reward: -5})
	}
	if got := s.Propensity(true); got < 0 || got > 1 {
		t.Fatalf("propensity left [0,1]: %v", got)
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k, err)
		}
		if parsed != k {
			t.Fatalf("ParseKind(%q) = %v", k, parsed)
		}
	}
	if _, err := ParseKind("grim"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if got, _ := ParseKind("qlearning"); got != KindQLearning {
		t.Fatalf("case-insensitive parse failed: %v", got)
	}
}

func TestNewBuildsEveryKind(t *testing.T) {
	src := entropy.New(5)
	for _, k := range Kinds() {
		s, err := New(k, src, DefaultParams())
		if err != nil {
			t.Fatalf("New(%v): %v", k, err)
		}
		if s.Kind() != k {
			t.Fatalf("New(%v).Kind() = %v", k, s.Kind())
		}
	}
	if _, err := New(Kind(99), src, DefaultParams()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRandomPicksByDraw(t *testing.T) {
	// 0.65 * 5 = 3.25 → index 3.
	s := Random(entropy.NewScripted(0.5, 0.65), DefaultParams())
	if s.Kind() != KindFictitiousPlay {
		t.Fatalf("Random picked %v", s.Kind())
	}
}
