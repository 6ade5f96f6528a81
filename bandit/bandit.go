/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Thompson-sampling multi-armed bandit over routing
             arms. Each arm keeps Beta(α, β); selection samples
             each posterior and takes the argmax, with a floor
             of uniform exploration. State persists through the
             cache layer to survive restarts.
Root Cause:  Sprint tasks S100-S103 — Adaptive router.
Context:     Wraps the top-level routing decision (which
             pipeline serves a request), not the search graph's
             internal strategy.
Suitability: L3 — probabilistic routing with persistence.
──────────────────────────────────────────────────────────────
*/

package bandit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/cache"
)

const (
	stateKey = cache.PrefixRoute + "bandit_state"
	stateTTL = 24 * time.Hour
)

// Arm is one routing choice with its Beta posterior. Invariant:
// Alpha ≥ 1 and Beta ≥ 1 at all times.
type Arm struct {
	ArmID        string    `json:"arm_id"`
	Alpha        float64   `json:"alpha"`
	Beta         float64   `json:"beta"`
	TotalPulls   int64     `json:"total_pulls"`
	TotalRewards float64   `json:"total_rewards"`
	LastUpdated  time.Time `json:"last_updated"`
}

// State is the serializable snapshot for persistence.
type State struct {
	StartTime          time.Time      `json:"start_time"`
	MinExplorationRate float64        `json:"min_exploration_rate"`
	Arms               map[string]Arm `json:"arms"`
}

// Router is the Thompson-sampling bandit. All mutation happens under
// one mutex; selection samples under the same lock since sampling is
// cheap relative to a request.
type Router struct {
	mu     sync.Mutex
	logger zerolog.Logger

	arms           map[string]*Arm
	order          []string // stable iteration order for determinism under a fixed seed
	minExploration float64
	startTime      time.Time
	rng            *rand.Rand
}

// New creates a bandit over the given arms.
func New(logger zerolog.Logger, armIDs []string, minExploration float64) *Router {
	if minExploration <= 0 {
		minExploration = 0.05
	}
	r := &Router{
		logger:         logger.With().Str("component", "bandit").Logger(),
		arms:           make(map[string]*Arm, len(armIDs)),
		minExploration: minExploration,
		startTime:      time.Now().UTC(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, id := range armIDs {
		r.arms[id] = &Arm{ArmID: id, Alpha: 1, Beta: 1}
		r.order = append(r.order, id)
	}
	return r
}

// Seed replaces the RNG source. Tests use this for reproducibility.
func (r *Router) Seed(seed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rand.New(rand.NewSource(seed))
}

// SelectArm samples every arm's posterior and returns the argmax. With
// probability minExploration a uniform random arm overrides the argmax
// so no arm ever starves.
func (r *Router) SelectArm() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return ""
	}

	if r.rng.Float64() < r.minExploration {
		return r.order[r.rng.Intn(len(r.order))]
	}

	best := r.order[0]
	bestSample := -1.0
	for _, id := range r.order {
		arm := r.arms[id]
		s := sampleBeta(r.rng, arm.Alpha, arm.Beta)
		if s > bestSample {
			bestSample = s
			best = id
		}
	}
	return best
}

// Update folds a unit-interval reward into an arm's posterior.
// Rewards outside [0, 1] are clamped.
func (r *Router) Update(armID string, reward float64) {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	arm, ok := r.arms[armID]
	if !ok {
		r.logger.Warn().Str("arm", armID).Msg("reward for unknown arm dropped")
		return
	}
	arm.Alpha += reward
	arm.Beta += 1 - reward
	arm.TotalPulls++
	arm.TotalRewards += reward
	arm.LastUpdated = time.Now().UTC()
}

// Arms returns a snapshot of every arm.
func (r *Router) Arms() []Arm {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Arm, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.arms[id])
	}
	return out
}

// SaveState returns a serializable snapshot.
func (r *Router) SaveState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{
		StartTime:          r.startTime,
		MinExplorationRate: r.minExploration,
		Arms:               make(map[string]Arm, len(r.arms)),
	}
	for id, arm := range r.arms {
		st.Arms[id] = *arm
	}
	return st
}

// LoadState restores a snapshot. Arms absent from the current
// configuration are dropped; new arms keep their fresh priors.
func (r *Router) LoadState(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !st.StartTime.IsZero() {
		r.startTime = st.StartTime
	}
	if st.MinExplorationRate > 0 {
		r.minExploration = st.MinExplorationRate
	}
	for id, saved := range st.Arms {
		arm, ok := r.arms[id]
		if !ok {
			continue
		}
		if saved.Alpha >= 1 {
			arm.Alpha = saved.Alpha
		}
		if saved.Beta >= 1 {
			arm.Beta = saved.Beta
		}
		arm.TotalPulls = saved.TotalPulls
		arm.TotalRewards = saved.TotalRewards
		arm.LastUpdated = saved.LastUpdated
	}
}

// Persist writes the bandit state through the cache layer.
func (r *Router) Persist(ctx context.Context, layer *cache.Layer) {
	st := r.SaveState()
	arms := make(map[string]interface{}, len(st.Arms))
	for id, a := range st.Arms {
		arms[id] = map[string]interface{}{
			"alpha":         a.Alpha,
			"beta":          a.Beta,
			"total_pulls":   float64(a.TotalPulls),
			"total_rewards": a.TotalRewards,
			"last_updated":  a.LastUpdated.Format(time.RFC3339Nano),
		}
	}
	layer.Set(ctx, stateKey, map[string]interface{}{
		"start_time":           st.StartTime.Format(time.RFC3339Nano),
		"min_exploration_rate": st.MinExplorationRate,
		"arms":                 arms,
	}, stateTTL)
}

// Restore loads persisted bandit state on cold start, if present.
func (r *Router) Restore(ctx context.Context, layer *cache.Layer) {
	raw, ok := layer.Get(ctx, stateKey)
	if !ok {
		return
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	st := State{Arms: make(map[string]Arm)}
	if v, ok := m["start_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.StartTime = t
		}
	}
	if v, ok := m["min_exploration_rate"].(float64); ok {
		st.MinExplorationRate = v
	}
	if arms, ok := m["arms"].(map[string]interface{}); ok {
		for id, rawArm := range arms {
			am, ok := rawArm.(map[string]interface{})
			if !ok {
				continue
			}
			arm := Arm{ArmID: id}
			if v, ok := am["alpha"].(float64); ok {
				arm.Alpha = v
			}
			if v, ok := am["beta"].(float64); ok {
				arm.Beta = v
			}
			if v, ok := am["total_pulls"].(float64); ok {
				arm.TotalPulls = int64(v)
			}
			if v, ok := am["total_rewards"].(float64); ok {
				arm.TotalRewards = v
			}
			if v, ok := am["last_updated"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					arm.LastUpdated = t
				}
			}
			st.Arms[id] = arm
		}
	}
	r.LoadState(st)
	r.logger.Info().Int("arms", len(st.Arms)).Msg("bandit state restored")
}

// ─── Beta Sampling ──────────────────────────────────────────

// sampleBeta draws from Beta(a, b) via two gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia–Tsang, with
// the standard boost for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
