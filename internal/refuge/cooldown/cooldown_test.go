package cooldown

import (
	"testing"
	"time"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/tuning"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRecordUse_ThenNotReady(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(clk, map[Kind]time.Duration{Teleport: 60 * time.Second, RelicMove: 30 * time.Second})

	if ok, rem := tr.Check(Teleport, "alice"); !ok || rem != 0 {
		t.Fatalf("fresh: ok=%v rem=%v", ok, rem)
	}
	tr.RecordUse(Teleport, "alice")
	ok, rem := tr.Check(Teleport, "alice")
	if ok {
		t.Fatalf("expected not ready right after use")
	}
	tick := time.Second / 20
	if rem < 60*time.Second-tick || rem > 60*time.Second {
		t.Fatalf("remaining %v not within a tick of 60s", rem)
	}

	// Kinds are independent.
	if ok, _ := tr.Check(RelicMove, "alice"); !ok {
		t.Fatalf("relic move should be unaffected by teleport")
	}
	// Users are independent.
	if ok, _ := tr.Check(Teleport, "bob"); !ok {
		t.Fatalf("bob should be unaffected")
	}

	clk.Advance(59 * time.Second)
	if got := tr.RemainingSeconds(Teleport, "alice"); got != 1 {
		t.Fatalf("remaining seconds: got %d want 1", got)
	}
	clk.Advance(time.Second)
	if ok, _ := tr.Check(Teleport, "alice"); !ok {
		t.Fatalf("expected ready after full cooldown")
	}
}

func TestRecordUseWithPenalty(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(clk, map[Kind]time.Duration{Teleport: 10 * time.Second})
	tr.RecordUseWithPenalty(Teleport, "alice", 5*time.Second)

	clk.Advance(12 * time.Second)
	ok, rem := tr.Check(Teleport, "alice")
	if ok || rem != 3*time.Second {
		t.Fatalf("ok=%v rem=%v want 3s", ok, rem)
	}
	clk.Advance(3 * time.Second)
	if ok, _ := tr.Check(Teleport, "alice"); !ok {
		t.Fatalf("expected ready")
	}
}

func TestNewTracker_IsEmpty(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	before := FromTuning(clk, tuning.Defaults())
	before.RecordUse(Teleport, "alice")

	after := FromTuning(clk, tuning.Defaults())
	if ok, _ := after.Check(Teleport, "alice"); !ok {
		t.Fatalf("a restarted tracker must not carry cooldowns")
	}
}

func TestFromTuning_ScalesByDifficulty(t *testing.T) {
	tu := tuning.Defaults()
	tu.Difficulty = 5
	tr := FromTuning(nil, tu)
	want := time.Duration(tu.Cooldowns.TeleportSeconds * tu.Multipliers["cooldown"][4] * float64(time.Second))
	if got := tr.Duration(Teleport); got != want {
		t.Fatalf("duration: got %v want %v", got, want)
	}
}

func TestForget(t *testing.T) {
	tr := New(&fakeClock{now: time.Unix(0, 0)}, map[Kind]time.Duration{Teleport: time.Minute, RelicMove: time.Minute})
	tr.RecordUse(Teleport, "alice")
	tr.RecordUse(RelicMove, "alice")
	tr.Forget("alice")
	for _, k := range []Kind{Teleport, RelicMove} {
		if ok, _ := tr.Check(k, "alice"); !ok {
			t.Fatalf("%s still active after Forget", k)
		}
	}
}

func TestEncumbrancePenalty(t *testing.T) {
	e := tuning.Encumbrance{PenaltySecondsPerUnit: 2, MaxPenaltySeconds: 10}
	cases := []struct {
		weight, max float64
		want        time.Duration
	}{
		{10, 20, 0},
		{20, 20, 0},
		{22, 20, 4 * time.Second},
		{40, 20, 10 * time.Second},
		{40, 0, 0},
	}
	for _, tc := range cases {
		got := EncumbrancePenalty(host.PlayerState{Weight: tc.weight, MaxWeight: tc.max}, e)
		if got != tc.want {
			t.Fatalf("weight=%v max=%v: got %v want %v", tc.weight, tc.max, got, tc.want)
		}
	}
}
