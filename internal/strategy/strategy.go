// Package strategy provides the decision rules agents use in pairwise games.
package strategy

import (
	"fmt"
	"strings"

	"github.com/talgya/dotsim/internal/entropy"
)

// Kind identifies a strategy variant. Used for display and persistence only.
type Kind uint8

const (
	KindTitForTat Kind = iota
	KindRandomPlay
	KindPavlov
	KindFictitiousPlay
	KindQLearning
)

// NumKinds is the number of strategy variants.
const NumKinds = 5

var kindNames = [NumKinds]string{
	"TitForTat",
	"RandomPlay",
	"Pavlov",
	"FictitiousPlay",
	"QLearning",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a strategy name (case-insensitive) to its Kind.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// Kinds returns every variant in declaration order.
func Kinds() []Kind {
	out := make([]Kind, NumKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Context is what a strategy sees before choosing a move.
type Context struct {
	// Memory is this agent's previous move against the same opponent
	// (false when they have never met).
	Memory   bool
	Opponent uint64
}

// Outcome is reported to a strategy after a game resolves.
type Outcome struct {
	OwnMove      bool
	OpponentMove bool
	Reward       int64 // payoff delta for this agent
	State        bool  // memory value before the game
	NextState    bool  // memory value after the game
}

// Strategy decides whether to cooperate and learns from outcomes.
type Strategy interface {
	Kind() Kind
	Decide(ctx Context) bool
	Observe(o Outcome)
}

// Params tunes the learning variants.
type Params struct {
	LearningRate   float64
	DiscountFactor float64
}

// DefaultParams returns the learning parameters used when none are configured.
func DefaultParams() Params {
	return Params{LearningRate: 0.1, DiscountFactor: 0.9}
}

// New constructs a fresh strategy of the given kind.
func New(kind Kind, src entropy.Source, p Params) (Strategy, error) {
	switch kind {
	case KindTitForTat:
		return NewTitForTat(), nil
	case KindRandomPlay:
		return NewRandomPlay(src), nil
	case KindPavlov:
		return NewPavlov(), nil
	case KindFictitiousPlay:
		return NewFictitiousPlay(), nil
	case KindQLearning:
		return NewQLearning(src, p.LearningRate, p.DiscountFactor), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %d", kind)
	}
}

// Random picks a variant uniformly and constructs it.
func Random(src entropy.Source, p Params) Strategy {
	kind := Kind(entropy.Pick(src, NumKinds))
	s, _ := New(kind, src, p)
	return s
}
