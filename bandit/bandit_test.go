package bandit

import (
	"context"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/cache"
)

func testRouter(arms ...string) *Router {
	r := New(zerolog.New(io.Discard), arms, 0.05)
	r.Seed(42)
	return r
}

func TestUpdateAccounting(t *testing.T) {
	r := testRouter("a", "b")

	rewards := []float64{1, 0.5, 0, 0.25, 1}
	var sum float64
	for _, rw := range rewards {
		r.Update("a", rw)
		sum += rw
	}

	arm := r.Arms()[0]
	if math.Abs(arm.Alpha-(1+sum)) > 1e-9 {
		t.Fatalf("alpha = %f, want %f", arm.Alpha, 1+sum)
	}
	if math.Abs(arm.Beta-(1+float64(len(rewards))-sum)) > 1e-9 {
		t.Fatalf("beta = %f, want %f", arm.Beta, 1+float64(len(rewards))-sum)
	}
	if arm.TotalPulls != int64(len(rewards)) {
		t.Fatalf("pulls = %d, want %d", arm.TotalPulls, len(rewards))
	}
}

func TestRewardClamping(t *testing.T) {
	r := testRouter("a")
	r.Update("a", 5)
	r.Update("a", -3)

	arm := r.Arms()[0]
	if arm.Alpha != 2 { // 1 + clamp(5)=1 + clamp(-3)=0
		t.Fatalf("alpha = %f, want 2", arm.Alpha)
	}
	if arm.Beta != 2 { // 1 + 0 + 1
		t.Fatalf("beta = %f, want 2", arm.Beta)
	}
}

func TestInvariantAlphaBetaAtLeastOne(t *testing.T) {
	r := testRouter("a", "b")
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		r.Update("a", rng.Float64())
		r.Update("b", rng.Float64()*2-0.5) // exercises clamping
		for _, arm := range r.Arms() {
			if arm.Alpha < 1 || arm.Beta < 1 {
				t.Fatalf("invariant violated: alpha=%f beta=%f", arm.Alpha, arm.Beta)
			}
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := testRouter("a", "b")
	for i := 0; i < 50; i++ {
		r.Update("a", 0.9)
		r.Update("b", 0.1)
	}
	saved := r.SaveState()

	restored := testRouter("a", "b")
	restored.LoadState(saved)

	orig := r.Arms()
	got := restored.Arms()
	for i := range orig {
		if orig[i].Alpha != got[i].Alpha || orig[i].Beta != got[i].Beta || orig[i].TotalPulls != got[i].TotalPulls {
			t.Fatalf("round trip changed arm %s: %+v vs %+v", orig[i].ArmID, orig[i], got[i])
		}
	}
}

func TestPersistRestoreThroughCache(t *testing.T) {
	layer := cache.New(zerolog.New(io.Discard), nil, cache.Config{FastMaxSize: 10})
	ctx := context.Background()

	r := testRouter("a", "b")
	for i := 0; i < 20; i++ {
		r.Update("a", 1)
	}
	r.Persist(ctx, layer)

	fresh := testRouter("a", "b")
	fresh.Restore(ctx, layer)

	arm := fresh.Arms()[0]
	if arm.Alpha != 21 || arm.TotalPulls != 20 {
		t.Fatalf("restore lost state: %+v", arm)
	}
}

func TestConvergenceTowardBetterArm(t *testing.T) {
	r := testRouter("good", "bad")
	rng := rand.New(rand.NewSource(99))

	pullsAfterWarmup := 0
	goodAfterWarmup := 0
	for i := 0; i < 1000; i++ {
		arm := r.SelectArm()
		// True success rates: good 0.9, bad 0.3.
		p := 0.3
		if arm == "good" {
			p = 0.9
		}
		reward := 0.0
		if rng.Float64() < p {
			reward = 1.0
		}
		r.Update(arm, reward)

		if i >= 200 {
			pullsAfterWarmup++
			if arm == "good" {
				goodAfterWarmup++
			}
		}
	}

	share := float64(goodAfterWarmup) / float64(pullsAfterWarmup)
	if share <= 0.8 {
		t.Fatalf("good arm share after warmup = %f, want > 0.8", share)
	}
}

func TestConcurrentSelectAndUpdate(t *testing.T) {
	r := New(zerolog.New(io.Discard), []string{"a", "b", "c"}, 0.05)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				arm := r.SelectArm()
				r.Update(arm, rng.Float64())
			}
		}(int64(w))
	}
	wg.Wait()

	var pulls int64
	for _, arm := range r.Arms() {
		pulls += arm.TotalPulls
	}
	if pulls != 8*200 {
		t.Fatalf("lost updates under concurrency: %d", pulls)
	}
}

func TestUnknownArmIgnored(t *testing.T) {
	r := testRouter("a")
	r.Update("ghost", 1)
	if r.Arms()[0].TotalPulls != 0 {
		t.Fatal("unknown arm update must not touch existing arms")
	}
}

func TestLoadStateCorruptPriorsKeepInvariant(t *testing.T) {
	r := testRouter("a")
	r.LoadState(State{
		StartTime: time.Now().Add(-48 * time.Hour),
		Arms:      map[string]Arm{"a": {ArmID: "a", Alpha: 0.2, Beta: 0.1}}, // corrupt
	})
	arm := r.Arms()[0]
	if arm.Alpha < 1 || arm.Beta < 1 {
		t.Fatalf("corrupt persisted values must not break the invariant: %+v", arm)
	}
}
