package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// requiredSummaryKeys is the fixed top-level key set a summary document
// must carry to be diffable. Anything less is rejected up front rather than
// silently diffed against zeroes.
var requiredSummaryKeys = []string{
	"completions_by_actor_id",
	"completions_total",
	"daily_streak",
	"events_considered",
	"generated_at",
	"quest_success_rate",
	"range",
	"risk_flags_count",
	"schema_version",
	"top_quests_completed",
	"total_xp",
	"weekly_streak",
}

// LoadSummary parses a previously exported summary and validates its shape:
// all required keys present and an exact schema version match.
func LoadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry summary file %s: %w", path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid telemetry summary file %s: %w", path, err)
	}

	var missing []string
	for _, key := range requiredSummaryKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("telemetry summary %s missing required keys: %s", path, strings.Join(missing, ", "))
	}
	if version := toText(raw["schema_version"]); version != SchemaVersion {
		return nil, fmt.Errorf("unsupported telemetry summary schema_version %q; expected %q", version, SchemaVersion)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid telemetry summary file %s: %w", path, err)
	}
	return &s, nil
}

// QuestDelta is one row of the top-quests diff: per-quest before/after
// completion counts over the union of both leaderboards.
type QuestDelta struct {
	QuestID string `json:"quest_id"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Delta   int    `json:"delta"`
}

// DiffChanges holds every per-field delta between two summaries.
type DiffChanges struct {
	EventsConsideredDelta         int                `json:"events_considered_delta"`
	CompletionsTotalDelta         int                `json:"completions_total_delta"`
	TotalXPDelta                  int                `json:"total_xp_delta"`
	DailyStreakDelta              int                `json:"daily_streak_delta"`
	WeeklyStreakDelta             int                `json:"weekly_streak_delta"`
	RiskFlagsCountDelta           int                `json:"risk_flags_count_delta"`
	FeedbackCountDelta            int                `json:"feedback_count_delta"`
	QuestSuccessRateDelta         float64            `json:"quest_success_rate_delta"`
	CompletionsByActorIDDelta     map[string]int     `json:"completions_by_actor_id_delta"`
	CompletionsByPillarDelta      map[string]int     `json:"completions_by_pillar_delta"`
	XPByPillarDelta               map[string]int     `json:"xp_by_pillar_delta"`
	CompletionsByPackDelta        map[string]int     `json:"completions_by_pack_delta"`
	CompletionsByPresetDelta      map[string]int     `json:"completions_by_preset_delta"`
	XPByPresetDelta               map[string]int     `json:"xp_by_preset_delta"`
	RiskFlagsByPillarDelta        map[string]int     `json:"risk_flags_by_pillar_delta"`
	FeedbackByComponentDelta      map[string]int     `json:"feedback_by_component_delta"`
	FeedbackBySeverityDelta       map[string]int     `json:"feedback_by_severity_delta"`
	QuestSuccessRateByPillarDelta map[string]float64 `json:"quest_success_rate_by_pillar_delta"`
	TopQuestsCompletedDelta       []QuestDelta       `json:"top_quests_completed_delta"`
}

// SummaryDiff is the structured delta between two summary baselines.
type SummaryDiff struct {
	SchemaVersion        string      `json:"schema_version"`
	BaselineAGeneratedAt string      `json:"baseline_a_generated_at"`
	BaselineBGeneratedAt string      `json:"baseline_b_generated_at"`
	BaselineARange       string      `json:"baseline_a_range"`
	BaselineBRange       string      `json:"baseline_b_range"`
	Changes              DiffChanges `json:"changes"`
}

// counterDelta diffs two counter maps over the union of their keys, with a
// missing key counting as zero.
func counterDelta(a, b map[string]int) map[string]int {
	out := map[string]int{}
	for key := range a {
		out[key] = b[key] - a[key]
	}
	for key := range b {
		if _, seen := a[key]; !seen {
			out[key] = b[key]
		}
	}
	return out
}

func counterDeltaFloat(a, b map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for key := range a {
		out[key] = round4(b[key] - a[key])
	}
	for key := range b {
		if _, seen := a[key]; !seen {
			out[key] = round4(b[key])
		}
	}
	return out
}

func questCounter(rows []QuestCount) map[string]int {
	out := map[string]int{}
	for _, row := range rows {
		out[row.QuestID] = row.Count
	}
	return out
}

// Diff computes b relative to a. Integer fields diff as integers, rate
// fields as rounded floats, counter maps over key unions, and the top-quest
// leaderboards as per-quest rows sorted by |delta| descending then id.
func Diff(a, b *Summary) SummaryDiff {
	before := questCounter(a.TopQuestsCompleted)
	after := questCounter(b.TopQuestsCompleted)
	ids := make([]string, 0, len(before)+len(after))
	for id := range before {
		ids = append(ids, id)
	}
	for id := range after {
		if _, seen := before[id]; !seen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	questRows := make([]QuestDelta, 0, len(ids))
	for _, id := range ids {
		delta := after[id] - before[id]
		if delta == 0 {
			// Unchanged quests are noise in the report; identical baselines
			// produce an empty list.
			continue
		}
		questRows = append(questRows, QuestDelta{
			QuestID: id,
			Before:  before[id],
			After:   after[id],
			Delta:   delta,
		})
	}
	sort.SliceStable(questRows, func(i, j int) bool {
		di, dj := abs(questRows[i].Delta), abs(questRows[j].Delta)
		if di != dj {
			return di > dj
		}
		return questRows[i].QuestID < questRows[j].QuestID
	})

	return SummaryDiff{
		SchemaVersion:        SchemaVersion,
		BaselineAGeneratedAt: a.GeneratedAt,
		BaselineBGeneratedAt: b.GeneratedAt,
		BaselineARange:       a.Range,
		BaselineBRange:       b.Range,
		Changes: DiffChanges{
			EventsConsideredDelta:         b.EventsConsidered - a.EventsConsidered,
			CompletionsTotalDelta:         b.CompletionsTotal - a.CompletionsTotal,
			TotalXPDelta:                  b.TotalXP - a.TotalXP,
			DailyStreakDelta:              b.DailyStreak - a.DailyStreak,
			WeeklyStreakDelta:             b.WeeklyStreak - a.WeeklyStreak,
			RiskFlagsCountDelta:           b.RiskFlagsCount - a.RiskFlagsCount,
			FeedbackCountDelta:            b.FeedbackCount - a.FeedbackCount,
			QuestSuccessRateDelta:         round4(b.QuestSuccessRate - a.QuestSuccessRate),
			CompletionsByActorIDDelta:     counterDelta(a.CompletionsByActorID, b.CompletionsByActorID),
			CompletionsByPillarDelta:      counterDelta(a.CompletionsByPillar, b.CompletionsByPillar),
			XPByPillarDelta:               counterDelta(a.XPByPillar, b.XPByPillar),
			CompletionsByPackDelta:        counterDelta(a.CompletionsByPack, b.CompletionsByPack),
			CompletionsByPresetDelta:      counterDelta(a.CompletionsByPreset, b.CompletionsByPreset),
			XPByPresetDelta:               counterDelta(a.XPByPreset, b.XPByPreset),
			RiskFlagsByPillarDelta:        counterDelta(a.RiskFlagsByPillar, b.RiskFlagsByPillar),
			FeedbackByComponentDelta:      counterDelta(a.FeedbackByComponent, b.FeedbackByComponent),
			FeedbackBySeverityDelta:       counterDelta(a.FeedbackBySeverity, b.FeedbackBySeverity),
			QuestSuccessRateByPillarDelta: counterDeltaFloat(a.QuestSuccessRateByPillar, b.QuestSuccessRateByPillar),
			TopQuestsCompletedDelta:       questRows,
		},
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// RenderText produces the compact human-readable report for a diff: the two
// baseline headers, the scalar deltas, the top pillar deltas by magnitude,
// and the top quest rows.
func RenderText(d SummaryDiff) string {
	c := d.Changes
	lines := []string{
		fmt.Sprintf("Baseline A: %s (%s)", d.BaselineAGeneratedAt, d.BaselineARange),
		fmt.Sprintf("Baseline B: %s (%s)", d.BaselineBGeneratedAt, d.BaselineBRange),
		fmt.Sprintf("Completions delta: %d", c.CompletionsTotalDelta),
		fmt.Sprintf("Total XP delta: %d", c.TotalXPDelta),
		fmt.Sprintf("Daily streak delta: %d", c.DailyStreakDelta),
		fmt.Sprintf("Weekly streak delta: %d", c.WeeklyStreakDelta),
		fmt.Sprintf("Risk flags delta: %d", c.RiskFlagsCountDelta),
		fmt.Sprintf("Feedback submitted delta: %d", c.FeedbackCountDelta),
		fmt.Sprintf("Quest success rate delta: %v", c.QuestSuccessRateDelta),
	}

	if len(c.CompletionsByPillarDelta) > 0 {
		type pillarDelta struct {
			pillar string
			delta  int
		}
		pillars := make([]pillarDelta, 0, len(c.CompletionsByPillarDelta))
		for pillar, delta := range c.CompletionsByPillarDelta {
			pillars = append(pillars, pillarDelta{pillar, delta})
		}
		sort.Slice(pillars, func(i, j int) bool {
			di, dj := abs(pillars[i].delta), abs(pillars[j].delta)
			if di != dj {
				return di > dj
			}
			return pillars[i].pillar < pillars[j].pillar
		})
		if len(pillars) > 3 {
			pillars = pillars[:3]
		}
		lines = append(lines, "Top pillar completion deltas:")
		for _, p := range pillars {
			lines = append(lines, fmt.Sprintf("- %s: delta %d", p.pillar, p.delta))
		}
	}

	if len(c.TopQuestsCompletedDelta) > 0 {
		rows := c.TopQuestsCompletedDelta
		if len(rows) > 5 {
			rows = rows[:5]
		}
		lines = append(lines, "Top quest deltas:")
		for _, row := range rows {
			lines = append(lines, fmt.Sprintf("- %s: %d -> %d (delta %d)", row.QuestID, row.Before, row.After, row.Delta))
		}
	}

	return strings.Join(lines, "\n")
}
