package availability

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func mustNew(t *testing.T, max int, mins ...int) *Availability {
	t.Helper()
	a, err := New(Config{LevelMax: max, LevelMin: mins})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "valid", cfg: Config{LevelMax: 10, LevelMin: []int{0, 2, 3}}, ok: true},
		{name: "zero max", cfg: Config{LevelMax: 0, LevelMin: []int{0}}},
		{name: "no levels", cfg: Config{LevelMax: 4}},
		{name: "negative min", cfg: Config{LevelMax: 4, LevelMin: []int{-1}}},
		{name: "mins exceed max", cfg: Config{LevelMax: 4, LevelMin: []int{2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestReservationLifecycle(t *testing.T) {
	a := mustNew(t, 3, 0, 0)
	if !a.ReservationMake("a", 1, 2) {
		t.Fatal("expected reservation a")
	}
	if a.ReservationMake("a", 1, 1) {
		t.Fatal("duplicate id must be rejected")
	}
	if a.ReservationMake("b", 1, 2) {
		t.Fatal("over-capacity reservation must be rejected")
	}
	if a.Total() != 2 || a.Level(1) != 1 {
		t.Fatalf("failed reservation left a trace: total=%d level=%d", a.Total(), a.Level(1))
	}
	if !a.ReservationRelease("a") {
		t.Fatal("expected release to succeed")
	}
	if a.ReservationRelease("a") {
		t.Fatal("double release must return false")
	}
	if a.ReservationRelease("never") {
		t.Fatal("unknown release must return false")
	}
	snap := a.Snapshot()
	if snap.Active != 0 || snap.Outstanding != 0 || snap.Made != 1 || snap.Released != 1 || snap.UnknownFreed != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestReservationRejectsBadInput(t *testing.T) {
	a := mustNew(t, 3, 0)
	for _, tc := range []struct {
		id       string
		priority int
		amount   int
	}{
		{"", 0, 1},
		{"x", 0, 0},
		{"x", -1, 1},
		{"x", 1, 1},
	} {
		if a.ReservationMake(tc.id, tc.priority, tc.amount) {
			t.Fatalf("expected rejection for %+v", tc)
		}
	}
}

func TestLevelMinIsRetainedUnderLowPrioritySaturation(t *testing.T) {
	// priorities: 0 (batch), 1, 2 (high, min 3)
	a := mustNew(t, 10, 0, 0, 3)
	granted := 0
	for i := 0; i < 20; i++ {
		if a.ReservationMake(fmt.Sprintf("low-%d", i), 0, 1) {
			granted++
		}
	}
	if granted != 7 {
		t.Fatalf("expected low priority to saturate at 7, got %d", granted)
	}
	if free := a.Level(2); free < 3 {
		t.Fatalf("expected high priority to keep 3 free slots, got %d", free)
	}
	for i := 0; i < 3; i++ {
		if !a.ReservationMake(fmt.Sprintf("high-%d", i), 2, 1) {
			t.Fatalf("guaranteed high reservation %d failed", i)
		}
	}
	if a.Total() != 10 {
		t.Fatalf("expected full utilisation, got %d", a.Total())
	}
}

func TestHigherPriorityCannotConsumeLowerGuarantee(t *testing.T) {
	a := mustNew(t, 4, 1, 0)
	for i := 0; i < 4; i++ {
		a.ReservationMake(fmt.Sprintf("hi-%d", i), 1, 1)
	}
	if got := a.Active(1); got != 3 {
		t.Fatalf("expected priority 1 to stop at 3, got %d", got)
	}
	if !a.ReservationMake("batch", 0, 1) {
		t.Fatal("batch level must keep its guaranteed slot")
	}
}

func TestConcurrentReservationsNeverExceedMax(t *testing.T) {
	const max = 16
	a := mustNew(t, max, 1, 2, 3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	violation := false
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			held := []string{}
			for i := 0; i < 2000; i++ {
				if len(held) > 0 && rng.Intn(2) == 0 {
					idx := rng.Intn(len(held))
					a.ReservationRelease(held[idx])
					held = append(held[:idx], held[idx+1:]...)
				} else {
					id := fmt.Sprintf("w%d-%d", w, i)
					if a.ReservationMake(id, rng.Intn(3), 1+rng.Intn(2)) {
						held = append(held, id)
					}
				}
				if a.Total() > max {
					mu.Lock()
					violation = true
					mu.Unlock()
				}
			}
			for _, id := range held {
				a.ReservationRelease(id)
			}
		}(w)
	}
	wg.Wait()
	if violation {
		t.Fatal("outstanding reservations exceeded level max")
	}
	if a.Total() != 0 {
		t.Fatalf("expected all slots released, total=%d", a.Total())
	}
}

func TestScaledView(t *testing.T) {
	a := mustNew(t, 9, 0)
	v := Scaled(a, 2)
	if got := v.Level(0); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	for i := 0; i < 8; i++ {
		a.ReservationMake(fmt.Sprintf("r%d", i), 0, 1)
	}
	if got := v.Level(0); got != 1 {
		t.Fatalf("expected scaled view to keep 1 slot, got %d", got)
	}
	if Scaled(a, 1) != View(a) {
		t.Fatal("divisor 1 should return the original view")
	}
}
