// Package galactic implements the predictive scheduler's per-Strand
// priority steering: a first-order prediction feedback loop over
// fixed-point "Galactic" pairs (value, first derivative), modeled as a
// concrete record with addition, scalar multiply, and predict(h), rather
// than leaning on ad-hoc operator dispatch. The package computes priority
// deltas only; it holds no ready queue and does not pick which Strand
// runs next.
package galactic

import (
	"sync"

	"citadel/fixed"
	"citadel/stats"
	"citadel/strand"
	"citadel/void"
)

// Galactic is a (value, first derivative) pair — a point in a 1-D
// tangent space — with addition, scalar multiply, and forward
// prediction.
type Galactic struct {
	Value   fixed.Q16
	Tangent fixed.Q16
}

// Add returns the componentwise sum of g and o.
func (g Galactic) Add(o Galactic) Galactic {
	return Galactic{Value: g.Value.Add(o.Value), Tangent: g.Tangent.Add(o.Tangent)}
}

// Scale returns g with both components multiplied by k.
func (g Galactic) Scale(k fixed.Q16) Galactic {
	return Galactic{Value: g.Value.Mul(k), Tangent: g.Tangent.Mul(k)}
}

// Predict extrapolates g forward by h ticks: value + h·tangent.
func (g Galactic) Predict(h fixed.Q16) fixed.Q16 {
	return g.Value.Add(g.Tangent.Mul(h))
}

// Tunable constants.
var (
	EMAAlpha           = fixed.FromRatio(1, 10)  // α = 0.1
	AccurateThreshold  = fixed.FromRatio(2, 10)   // rel_err ≤ 0.2 counts accurate
	VelocityMomentum   = fixed.FromRatio(9, 10)   // 0.9
	VelocityInnovation = fixed.FromRatio(1, 10)   // 0.1
	Epsilon            = fixed.FromRatio(1, 1000) // ε
	LRDecay            = fixed.FromRatio(9, 10)   // lr *= 0.9 when accuracy > 0.9
	LRBoost            = fixed.FromRatio(1, 10)   // lr += 0.1·lr when accuracy < 0.6
	LRMin              = fixed.FromRatio(1, 1000)
	LRMax              = fixed.FromRatio(1, 2)
	AccuracyHigh       = fixed.FromRatio(9, 10)
	AccuracyLow        = fixed.FromRatio(6, 10)
	WarmupQuanta       = uint64(10)
	MinSamplesForAdapt = uint64(100)
)

const (
	DefaultMaxDelta      = 10
	DefaultCooldownTicks = 3
	DefaultPriorityMin   = -20
	DefaultPriorityMax   = 20
)

// StrandStats is every predictive metric tracked for one Strand.
type StrandStats struct {
	mu sync.Mutex

	ExecTime     Galactic
	CPUUsage     Galactic
	WaitTime     Galactic
	ResponseTime Galactic

	LearningRate             fixed.Q16
	MomentumVelocity         fixed.Q16
	PriorityDeltaAccumulator fixed.Q16

	Quanta                  uint64
	PredictionCount         uint64
	AccuratePredictionCount uint64
	LastPrediction          fixed.Q16
	PredictionError         fixed.Q16

	Cooldown int
}

func newStrandStats() *StrandStats {
	return &StrandStats{LearningRate: fixed.FromRatio(1, 10)}
}

// Accuracy returns AccuratePredictionCount/PredictionCount as a Q16
// fraction, or 0 if no predictions have been made yet.
func (s *StrandStats) Accuracy() fixed.Q16 {
	if s.PredictionCount == 0 {
		return 0
	}
	return fixed.FromRatio(int64(s.AccuratePredictionCount), int64(s.PredictionCount))
}

// Scheduler is the Galactic predictive scheduler: the per-Strand prediction
// state that steers each Strand's priority over time. It keeps no ready
// queue of its own.
type Scheduler struct {
	mu    sync.Mutex
	stats map[strand.ID]*StrandStats

	priorityMin, priorityMax int
	maxDelta                 int
	cooldownTicks            int
	horizon                  fixed.Q16

	log *void.Log

	// decisions/converged tally every delta ComputePriorityDelta emits and
	// every Converged call that reports true, across all tracked Strands, for a cheap
	// scheduler-wide health read that doesn't require iterating sc.stats
	// under its own lock.
	decisions stats.Counter
	converged stats.Counter
}

// New returns a Scheduler with the default bounds and an H-tick
// prediction horizon.
func New(horizonTicks int64, log *void.Log) *Scheduler {
	return &Scheduler{
		stats:         make(map[strand.ID]*StrandStats),
		priorityMin:   DefaultPriorityMin,
		priorityMax:   DefaultPriorityMax,
		maxDelta:      DefaultMaxDelta,
		cooldownTicks: DefaultCooldownTicks,
		horizon:       fixed.FromInt(horizonTicks),
		log:           log,
	}
}

// Register begins tracking id, a no-op if already tracked.
func (sc *Scheduler) Register(id strand.ID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.stats[id]; !ok {
		sc.stats[id] = newStrandStats()
	}
}

// Unregister stops tracking id (e.g. on Strand termination).
func (sc *Scheduler) Unregister(id strand.ID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.stats, id)
}

func (sc *Scheduler) get(id strand.ID) *StrandStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s, ok := sc.stats[id]
	if !ok {
		s = newStrandStats()
		sc.stats[id] = s
	}
	return s
}

// Stats returns a copy of id's tracked metrics (for tests/diagnostics).
func (sc *Scheduler) Stats(id strand.ID) StrandStats {
	s := sc.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return StrandStats{
		ExecTime: s.ExecTime, CPUUsage: s.CPUUsage, WaitTime: s.WaitTime, ResponseTime: s.ResponseTime,
		LearningRate: s.LearningRate, MomentumVelocity: s.MomentumVelocity,
		PriorityDeltaAccumulator: s.PriorityDeltaAccumulator,
		Quanta:                  s.Quanta, PredictionCount: s.PredictionCount,
		AccuratePredictionCount: s.AccuratePredictionCount,
		LastPrediction:          s.LastPrediction, PredictionError: s.PredictionError,
		Cooldown: s.Cooldown,
	}
}

func updateGalactic(g *Galactic, actual fixed.Q16, warm bool) {
	if warm {
		g.Value = actual
		return
	}
	g.Tangent = EMAAlpha.Mul(actual.Sub(g.Value)).Add(One().Sub(EMAAlpha).Mul(g.Tangent))
	g.Value = actual
}

func One() fixed.Q16 { return fixed.One }

// UpdateQuantumEnd applies the "update at quantum end" rule to every
// tracked metric, and folds the actual-vs-predicted exec_time error
// into the prediction-accuracy EMA.
func (sc *Scheduler) UpdateQuantumEnd(id strand.ID, actualExec, actualCPU, actualWait, actualResponse fixed.Q16) {
	s := sc.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Quanta++
	warm := s.Quanta <= WarmupQuanta

	if actualExec != 0 {
		diff := s.LastPrediction.Sub(actualExec).Abs()
		relErr := diff.Div(actualExec)
		s.PredictionError = EMAAlpha.Mul(relErr).Add(fixed.One.Sub(EMAAlpha).Mul(s.PredictionError))
		s.PredictionCount++
		if relErr <= AccurateThreshold {
			s.AccuratePredictionCount++
		}
	}

	updateGalactic(&s.ExecTime, actualExec, warm)
	updateGalactic(&s.CPUUsage, actualCPU, warm)
	updateGalactic(&s.WaitTime, actualWait, warm)
	updateGalactic(&s.ResponseTime, actualResponse, warm)

	s.LastPrediction = s.ExecTime.Predict(sc.horizon)

	sc.adaptLearningRateLocked(s)
}

func (sc *Scheduler) adaptLearningRateLocked(s *StrandStats) {
	if s.PredictionCount < MinSamplesForAdapt {
		return
	}
	acc := s.Accuracy()
	switch {
	case acc > AccuracyHigh:
		s.LearningRate = s.LearningRate.Mul(LRDecay)
	case acc < AccuracyLow:
		s.LearningRate = s.LearningRate.Add(s.LearningRate.Mul(LRBoost))
	}
	s.LearningRate = s.LearningRate.Clamp(LRMin, LRMax)
}

// ComputePriorityDelta runs one scheduling-decision step for id against
// target (the desired exec_time): it returns (delta, true) whenever the
// accumulator crosses ±1 and emits a clamped integer adjustment, or
// (0, false) if still cooling down, the tangent is too flat to act on, or
// the accumulator has not yet crossed the threshold. Invariant: whenever
// a non-zero delta is emitted, |accumulator| decreases by exactly
// |delta|.
func (sc *Scheduler) ComputePriorityDelta(id strand.ID, target fixed.Q16) (int64, bool) {
	s := sc.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Cooldown > 0 {
		s.Cooldown--
		return 0, false
	}

	if s.ExecTime.Tangent.Abs() < Epsilon {
		return 0, false
	}

	predicted := s.ExecTime.Predict(sc.horizon)
	errv := predicted.Sub(target)
	sign := s.ExecTime.Tangent.Sign()
	raw := s.LearningRate.Mul(errv).Mul(fixed.FromInt(int64(-sign)))

	s.MomentumVelocity = VelocityMomentum.Mul(s.MomentumVelocity).Add(VelocityInnovation.Mul(raw))
	s.PriorityDeltaAccumulator = s.PriorityDeltaAccumulator.Add(s.MomentumVelocity)

	if s.PriorityDeltaAccumulator.Abs() < fixed.One {
		return 0, false
	}

	d := s.PriorityDeltaAccumulator.TruncInt()
	if d > int64(sc.maxDelta) {
		d = int64(sc.maxDelta)
	}
	if d < int64(-sc.maxDelta) {
		d = int64(-sc.maxDelta)
	}
	s.PriorityDeltaAccumulator = s.PriorityDeltaAccumulator.Sub(fixed.FromInt(d))
	s.Cooldown = sc.cooldownTicks
	sc.decisions.Inc()
	return d, true
}

// Converged reports whether id's predictive loop has settled: flat tangent,
// small accumulator, and high recent accuracy.
func (sc *Scheduler) Converged(id strand.ID) bool {
	s := sc.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ExecTime.Tangent.Abs() < Epsilon &&
		s.PriorityDeltaAccumulator.Abs() < fixed.FromRatio(1, 10) &&
		s.Accuracy() > AccuracyHigh
	if c {
		sc.converged.Inc()
	}
	return c
}

// GlobalStats returns the running total of priority-delta decisions emitted
// and convergence observations made across every tracked Strand.
func (sc *Scheduler) GlobalStats() (decisions, converged int64) {
	return sc.decisions.Get(), sc.converged.Get()
}

// Classification names the workload shape a Strand's recent metrics
// suggest.
type Classification int

const (
	Unclassified Classification = iota
	CPUBound
	IOBound
)

// Classify applies the CPU-bound/IO-bound classification rules.
func (sc *Scheduler) Classify(id strand.ID) Classification {
	s := sc.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	cpuHigh := fixed.FromRatio(8, 10)
	cpuLow := fixed.FromRatio(3, 10)

	if s.CPUUsage.Value >= cpuHigh && s.CPUUsage.Tangent >= -Epsilon {
		return CPUBound
	}
	if s.CPUUsage.Value <= cpuLow && s.WaitTime.Tangent >= -Epsilon {
		return IOBound
	}
	return Unclassified
}
