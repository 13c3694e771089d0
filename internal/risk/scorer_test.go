package risk

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noon is a quiet local hour: the abnormal-hour signal never fires at 12:00.
var noon = time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)

func newTestScorer() (*Scorer, *session.Registry) {
	store := kv.NewMemoryStore()
	registry := session.NewRegistry(store, testLogger())
	scorer := NewScorer(store, registry, testLogger())
	scorer.now = func() time.Time { return noon }
	return scorer, registry
}

func TestCalculateNoSignals(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "US", AppName: "mail"}
	registry.Register(ctx, "alice", "s1", meta)

	score, reasons, err := scorer.Calculate(ctx, "alice", "s1", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0 (reasons: %v)", score, reasons)
	}
	if len(reasons) != 0 {
		t.Errorf("reasons = %v, want none", reasons)
	}
}

func TestCountryMismatch(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "RO", AppName: "mail"}
	registry.Register(ctx, "alice", "s1", meta)

	score, reasons, err := scorer.Calculate(ctx, "alice", "s1", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != weightCountryMismatch {
		t.Errorf("score = %d, want %d", score, weightCountryMismatch)
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "RO") {
		t.Errorf("reasons = %v, want country reason naming RO", reasons)
	}
}

func TestCountryMismatchRespectsHomeOverride(t *testing.T) {
	scorer, registry := newTestScorer()
	scorer.WithHomeCountry("RO")
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "RO"}
	registry.Register(ctx, "alice", "s1", meta)

	score, _, err := scorer.Calculate(ctx, "alice", "s1", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0 with matching home country", score)
	}
}

func TestHighConcurrency(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "US"}
	for _, sid := range []string{"s1", "s2", "s3"} {
		registry.Register(ctx, "alice", sid, meta)
	}

	// Exactly at the limit: no signal.
	score, _, err := scorer.Calculate(ctx, "alice", "s3", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != 0 {
		t.Errorf("score at limit = %d, want 0", score)
	}

	// One over the limit: signal fires. The switch timestamp written by the
	// first Calculate must not count — space the calls out.
	scorer.now = func() time.Time { return noon.Add(time.Minute) }
	registry.Register(ctx, "alice", "s4", meta)
	score, reasons, err := scorer.Calculate(ctx, "alice", "s4", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != weightHighConcurrency {
		t.Errorf("score over limit = %d, want %d (reasons: %v)", score, weightHighConcurrency, reasons)
	}
}

func TestAbnormalHour(t *testing.T) {
	tests := []struct {
		hour int
		want int
	}{
		{23, weightAbnormalHour},
		{0, weightAbnormalHour},
		{4, weightAbnormalHour},
		{5, 0},
		{12, 0},
		{22, 0},
	}

	for _, tt := range tests {
		scorer, registry := newTestScorer()
		ctx := context.Background()
		scorer.now = func() time.Time {
			return time.Date(2025, 6, 1, tt.hour, 30, 0, 0, time.Local)
		}

		meta := session.DeviceMeta{Country: "US"}
		registry.Register(ctx, "alice", "s1", meta)

		score, _, err := scorer.Calculate(ctx, "alice", "s1", meta)
		if err != nil {
			t.Fatalf("hour %d: %v", tt.hour, err)
		}
		if score != tt.want {
			t.Errorf("hour %d: score = %d, want %d", tt.hour, score, tt.want)
		}
	}
}

func TestRapidSwitch(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "US"}
	registry.Register(ctx, "alice", "s1", meta)

	// First evaluation records the switch timestamp.
	if score, _, _ := scorer.Calculate(ctx, "alice", "s1", meta); score != 0 {
		t.Fatalf("first evaluation score = %d, want 0", score)
	}

	// 5s later: rapid.
	scorer.now = func() time.Time { return noon.Add(5 * time.Second) }
	score, reasons, err := scorer.Calculate(ctx, "alice", "s1", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != weightRapidSwitch {
		t.Errorf("score = %d, want %d (reasons: %v)", score, weightRapidSwitch, reasons)
	}

	// Another 15s later: outside the window.
	scorer.now = func() time.Time { return noon.Add(20 * time.Second) }
	score, _, _ = scorer.Calculate(ctx, "alice", "s1", meta)
	if score != 0 {
		t.Errorf("score after window = %d, want 0", score)
	}
}

func TestCalculateOverwritesStoredScore(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	meta := session.DeviceMeta{Country: "RO"}
	registry.Register(ctx, "alice", "s1", meta)

	// A prior manual override does not accumulate into the next evaluation.
	if _, err := scorer.Increment(ctx, "alice", "s1", 40); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	score, _, err := scorer.Calculate(ctx, "alice", "s1", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if score != weightCountryMismatch {
		t.Errorf("score = %d, want %d", score, weightCountryMismatch)
	}

	sess, _ := registry.Get(ctx, "alice", "s1")
	if sess.RiskScore != weightCountryMismatch {
		t.Errorf("stored score = %d, want %d", sess.RiskScore, weightCountryMismatch)
	}
}

func TestUserRisk(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	registry.Register(ctx, "alice", "s1", session.DeviceMeta{})
	registry.Register(ctx, "alice", "s2", session.DeviceMeta{})
	scorer.Increment(ctx, "alice", "s1", 20)
	scorer.Increment(ctx, "alice", "s2", 70)

	max, err := scorer.UserRisk(ctx, "alice")
	if err != nil {
		t.Fatalf("UserRisk: %v", err)
	}
	if max != 70 {
		t.Errorf("UserRisk = %d, want 70", max)
	}

	// No sessions: zero risk.
	max, _ = scorer.UserRisk(ctx, "bob")
	if max != 0 {
		t.Errorf("UserRisk for unknown user = %d, want 0", max)
	}
}

func TestCombinedSignals(t *testing.T) {
	scorer, registry := newTestScorer()
	ctx := context.Background()

	// Foreign country at 23:30 with four sessions and a switch 3s ago.
	scorer.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 0, 0, time.Local)
	}
	meta := session.DeviceMeta{Country: "KP"}
	for _, sid := range []string{"s1", "s2", "s3", "s4"} {
		registry.Register(ctx, "alice", sid, meta)
	}
	scorer.Calculate(ctx, "alice", "s1", meta)
	scorer.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 3, 0, time.Local)
	}

	score, reasons, err := scorer.Calculate(ctx, "alice", "s4", meta)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	want := weightCountryMismatch + weightHighConcurrency + weightAbnormalHour + weightRapidSwitch
	if score != want {
		t.Errorf("score = %d, want %d (reasons: %v)", score, want, reasons)
	}
	if len(reasons) != 4 {
		t.Errorf("reasons = %v, want 4 entries", reasons)
	}
}
