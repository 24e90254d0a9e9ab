package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{" 1D ", 24 * time.Hour, false},
		{"0d", 0, true},
		{"-3h", 0, true},
		{"7w", 0, true},
		{"days", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRange(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRange(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRange(%q): expected %v, got %v", tt.in, got, tt.want)
		}
	}
}

func TestExportSummary_CoreMetrics(t *testing.T) {
	l := newTestLogger(t)

	mustLog := func(eventType string, data map[string]any) {
		t.Helper()
		if err := l.LogEventErr(eventType, "human", "ada", "cli", data, ""); err != nil {
			t.Fatalf("append %s: %v", eventType, err)
		}
	}

	mustLog("plan.generated", map[string]any{"quest_count": 3})
	mustLog("quest.completed", map[string]any{
		"quest_id": "q-shared", "pillars": []any{"Deep Work"}, "pack_id": "starter",
		"xp_awarded": 50, "proof_tier": "verified",
		"timebox_estimate_minutes": 25, "observed_duration_seconds": 1200,
	})
	mustLog("quest.completed", map[string]any{
		"quest_id": "q-shared", "pillars": []any{"Deep Work"}, "pack_id": "starter",
		"xp_awarded": 50, "proof_tier": "verified",
		"timebox_estimate_minutes": 25, "observed_duration_seconds": 900,
	})
	// Failure carries no pillar tags; it must be attributed via the
	// same-window completion lookup.
	mustLog("quest.failed", map[string]any{"quest_id": "q-shared", "reason": "timeout"})

	s, err := l.ExportSummary("24h", ScoreState{DailyStreak: 2, WeeklyStreak: 1, TotalXP: 400}, ExportOptions{})
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}

	if s.EventsConsidered != 4 {
		t.Errorf("events_considered: expected 4, got %d", s.EventsConsidered)
	}
	if s.CompletionsTotal != 2 {
		t.Errorf("completions_total: expected 2, got %d", s.CompletionsTotal)
	}
	if s.PlansGenerated != 1 {
		t.Errorf("plans_generated: expected 1, got %d", s.PlansGenerated)
	}
	if s.AvgQuestsPerPlan != 3.0 {
		t.Errorf("avg_quests_per_plan: expected 3.0, got %v", s.AvgQuestsPerPlan)
	}
	if s.QuestSuccessRate != 0.6667 {
		t.Errorf("quest_success_rate: expected 0.6667, got %v", s.QuestSuccessRate)
	}
	if got := s.QuestSuccessRateByPillar["Deep Work"]; got != 0.6667 {
		t.Errorf("per-pillar success rate: expected 0.6667, got %v", got)
	}
	if got := s.CompletionsByPillar["Deep Work"]; got != 2 {
		t.Errorf("completions_by_pillar: expected 2, got %d", got)
	}
	if got := s.XPByPillar["Deep Work"]; got != 100 {
		t.Errorf("xp_by_pillar: expected 100, got %d", got)
	}
	if got := s.CompletionsByPack["starter"]; got != 2 {
		t.Errorf("completions_by_pack: expected 2, got %d", got)
	}
	if got := s.FailuresByReason["timeout"]; got != 1 {
		t.Errorf("failures_by_reason: expected 1, got %d", got)
	}
	if got := s.CompletionsByProofTier["verified"]; got != 2 {
		t.Errorf("completions_by_proof_tier: expected 2, got %d", got)
	}
	if s.TimeboxEstimatesSum != 50 {
		t.Errorf("timebox_estimates_sum: expected 50, got %d", s.TimeboxEstimatesSum)
	}
	if s.ObservedDurationSum != 2100 {
		t.Errorf("observed_duration_sum: expected 2100, got %d", s.ObservedDurationSum)
	}
	if s.DailyStreak != 2 || s.WeeklyStreak != 1 || s.TotalXP != 400 {
		t.Errorf("score state should be echoed, got %d/%d/%d", s.DailyStreak, s.WeeklyStreak, s.TotalXP)
	}
	if len(s.TopQuestsCompleted) != 1 || s.TopQuestsCompleted[0].QuestID != "q-shared" || s.TopQuestsCompleted[0].Count != 2 {
		t.Errorf("top_quests_completed: expected q-shared x2, got %+v", s.TopQuestsCompleted)
	}
}

func TestExportSummary_WindowExcludesOldEvents(t *testing.T) {
	l := newTestLogger(t)
	base := time.Date(2026, time.August, 23, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base.Add(-48 * time.Hour) }
	if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
		map[string]any{"quest_id": "q-old"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.now = func() time.Time { return base.Add(-time.Hour) }
	if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
		map[string]any{"quest_id": "q-new"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	l.now = func() time.Time { return base }
	s, err := l.ExportSummary("24h", ScoreState{}, ExportOptions{})
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}
	if s.EventsConsidered != 1 || s.CompletionsTotal != 1 {
		t.Errorf("only the in-window event should count, got %+v", s)
	}
	if len(s.TopQuestsCompleted) != 1 || s.TopQuestsCompleted[0].QuestID != "q-new" {
		t.Errorf("expected only q-new on the leaderboard, got %+v", s.TopQuestsCompleted)
	}
}

func TestExportSummary_ActorFilter(t *testing.T) {
	l := newTestLogger(t)

	if err := l.LogEventErr("quest.completed", "human", "ada",
		"cli", map[string]any{"quest_id": "q-a"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.LogEventErr("quest.completed", "agent", "claw",
		"api", map[string]any{"quest_id": "q-b"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	s, err := l.ExportSummary("24h", ScoreState{}, ExportOptions{ActorID: "ada"})
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}
	if s.EventsConsidered != 1 {
		t.Errorf("expected 1 event for ada, got %d", s.EventsConsidered)
	}
	if s.ActorIDFilter == nil || *s.ActorIDFilter != "ada" {
		t.Errorf("filter should be echoed, got %v", s.ActorIDFilter)
	}
	if s.CompletionsByActorID["claw"] != 0 {
		t.Error("filtered-out actor should not appear")
	}
}

func TestExportSummary_UnknownBuckets(t *testing.T) {
	l := newTestLogger(t)

	// A flag with no pillar tags and no matching completion in the window.
	if err := l.LogEventErr("risk.flagged", "system", "", "cli",
		map[string]any{"reason": "suspicious"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	s, err := l.ExportSummary("24h", ScoreState{}, ExportOptions{})
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}
	if s.RiskFlagsCount != 1 {
		t.Errorf("expected 1 risk flag, got %d", s.RiskFlagsCount)
	}
	if s.RiskFlagsByPillar["Unknown"] != 1 {
		t.Errorf("untagged flag should land in the Unknown pillar: %v", s.RiskFlagsByPillar)
	}
}

func TestExportSummary_TopQuestsTieBreak(t *testing.T) {
	counts := map[string]int{"zeta": 2, "alpha": 2, "mid": 5}
	top := topQuests(counts, 10)

	if top[0].QuestID != "mid" {
		t.Errorf("highest count first, got %+v", top)
	}
	if top[1].QuestID != "alpha" || top[2].QuestID != "zeta" {
		t.Errorf("ties should break by ascending id, got %+v", top)
	}

	if got := topQuests(counts, 2); len(got) != 2 {
		t.Errorf("leaderboard should cap at n, got %d", len(got))
	}
}

func TestExportSummary_PersistsAndReloads(t *testing.T) {
	l := newTestLogger(t)
	if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
		map[string]any{"quest_id": "q-1", "xp_awarded": 10}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "summary.json")
	s, err := l.ExportSummary("7d", ScoreState{TotalXP: 10}, ExportOptions{OutPath: outPath})
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}

	loaded, err := LoadSummary(outPath)
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if loaded.CompletionsTotal != s.CompletionsTotal || loaded.TotalXP != s.TotalXP {
		t.Errorf("reloaded summary differs: %+v vs %+v", loaded, s)
	}

	sum1, err := SummarySHA256(s)
	if err != nil {
		t.Fatalf("SummarySHA256: %v", err)
	}
	sum2, err := SummarySHA256(loaded)
	if err != nil {
		t.Fatalf("SummarySHA256: %v", err)
	}
	if sum1 != sum2 {
		t.Error("summary digest should be stable across persist/reload")
	}
}

func TestExportSummary_RejectsBadRange(t *testing.T) {
	l := newTestLogger(t)
	if _, err := l.ExportSummary("eternity", ScoreState{}, ExportOptions{}); err == nil {
		t.Error("malformed range should be rejected")
	}
}
