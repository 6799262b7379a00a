package strategy

import "github.com/talgya/dotsim/internal/entropy"

// TitForTat cooperates first, then repeats the opponent's last move.
type TitForTat struct {
	cooperate bool
}

// NewTitForTat returns a TitForTat that opens by cooperating.
func NewTitForTat() *TitForTat { return &TitForTat{cooperate: true} }

// Kind reports KindTitForTat.
func (s *TitForTat) Kind() Kind { return KindTitForTat }

// Decide repeats the last observed opponent move.
func (s *TitForTat) Decide(ctx Context) bool { return s.cooperate }

// Observe records the opponent's move for the next game.
func (s *TitForTat) Observe(o Outcome) { s.cooperate = o.OpponentMove }

// RandomPlay flips a fair coin every game.
type RandomPlay struct {
	src entropy.Source
}

// NewRandomPlay returns a RandomPlay drawing from src.
func NewRandomPlay(src entropy.Source) *RandomPlay { return &RandomPlay{src: src} }

// Kind reports KindRandomPlay.
func (s *RandomPlay) Kind() Kind { return KindRandomPlay }

// Decide flips a coin on the shared source.
func (s *RandomPlay) Decide(ctx Context) bool { return entropy.Coin(s.src) }

// Observe is a no-op; RandomPlay keeps no state.
func (s *RandomPlay) Observe(o Outcome) {}

// Pavlov starts cooperative and flips its stance whenever the opponent
// cooperated.
type Pavlov struct {
	cooperate bool
}

// NewPavlov returns a Pavlov that opens by cooperating.
func NewPavlov() *Pavlov { return &Pavlov{cooperate: true} }

// Kind reports KindPavlov.
func (s *Pavlov) Kind() Kind { return KindPavlov }

// Decide plays the current stance.
func (s *Pavlov) Decide(ctx Context) bool { return s.cooperate }

// Observe flips the stance when the opponent cooperated.
func (s *Pavlov) Observe(o Outcome) {
	if o.OpponentMove {
		s.cooperate = !s.cooperate
	}
}

// FictitiousPlay cooperates while observed cooperation outnumbers defection.
type FictitiousPlay struct {
	Cooperations int
	Defections   int
}

// NewFictitiousPlay returns a FictitiousPlay with empty counts, so its
// first move is a defection.
func NewFictitiousPlay() *FictitiousPlay { return &FictitiousPlay{} }

// Kind reports KindFictitiousPlay.
func (s *FictitiousPlay) Kind() Kind { return KindFictitiousPlay }

// Decide cooperates iff cooperations strictly outnumber defections.
func (s *FictitiousPlay) Decide(ctx Context) bool {
	return s.Cooperations > s.Defections
}

// Observe counts the opponent's move.
func (s *FictitiousPlay) Observe(o Outcome) {
	if o.OpponentMove {
		s.Cooperations++
	} else {
		s.Defections++
	}
}

// unknownQ is the value assumed for states never seen before.
const unknownQ = 0.5

// QLearning keeps a cooperation propensity per memory state and samples it.
type QLearning struct {
	LearningRate   float64
	DiscountFactor float64
	Q              map[bool]float64

	src entropy.Source
}

// NewQLearning returns a QLearning with an empty table; unseen states
// start at 0.5.
func NewQLearning(src entropy.Source, learningRate, discount float64) *QLearning {
	return &QLearning{
		LearningRate:   learningRate,
		DiscountFactor: discount,
		Q:              make(map[bool]float64),
		src:            src,
	}
}

// Kind reports KindQLearning.
func (s *QLearning) Kind() Kind { return KindQLearning }

// Decide cooperates with probability Q[memory].
func (s *QLearning) Decide(ctx Context) bool {
	return s.src.Float() < s.value(ctx.Memory)
}

// Observe applies Q[s] += α·(r + γ·max(Q[s'], 0.5) − Q[s]) with the raw
// payoff delta as r, then clamps Q[s] into [0, 1].
func (s *QLearning) Observe(o Outcome) {
	q := s.value(o.State)
	next := s.value(o.NextState)
	if next < unknownQ {
		next = unknownQ
	}
	q += s.LearningRate * (float64(o.Reward) + s.DiscountFactor*next - q)
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	s.Q[o.State] = q
}

// Propensity returns the current cooperation probability for a state.
func (s *QLearning) Propensity(state bool) float64 {
	if q, ok := s.Q[state]; ok {
		return q
	}
	return unknownQ
}

func (s *QLearning) value(state bool) float64 {
	q, ok := s.Q[state]
	if !ok {
		q = unknownQ
		s.Q[state] = q
	}
	return q
}
