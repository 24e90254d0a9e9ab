package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var rangePattern = regexp.MustCompile(`^(\d+)([dh])$`)

// ParseRange parses compact duration windows such as "7d" or "24h".
func ParseRange(rangeValue string) (time.Duration, error) {
	match := rangePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(rangeValue)))
	if match == nil {
		return 0, fmt.Errorf("range must be like 7d or 24h, got %q", rangeValue)
	}
	amount, err := strconv.Atoi(match[1])
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("range amount must be > 0, got %q", rangeValue)
	}
	if match[2] == "d" {
		return time.Duration(amount) * 24 * time.Hour, nil
	}
	return time.Duration(amount) * time.Hour, nil
}

// ScoreState is external numeric state (streaks, accumulated XP) echoed
// into summaries. It is owned by the scorecard layer, not recomputed here.
type ScoreState struct {
	DailyStreak  int `json:"daily_streak"`
	WeeklyStreak int `json:"weekly_streak"`
	TotalXP      int `json:"total_xp"`
}

// QuestCount is one row of the top-completions leaderboard.
type QuestCount struct {
	QuestID string `json:"quest_id"`
	Count   int    `json:"count"`
}

// Summary is a windowed statistical aggregate over the event stream. All
// map fields are key-sorted on serialization, so the same log always
// exports byte-identical JSON.
type Summary struct {
	SchemaVersion     string         `json:"schema_version"`
	GeneratedAt       string         `json:"generated_at"`
	Range             string         `json:"range"`
	ActorIDFilter     *string        `json:"actor_id_filter"`
	AppliedPresetID   *string        `json:"applied_preset_id"`
	WindowStart       string         `json:"window_start"`
	WindowEnd         string         `json:"window_end"`
	EventsConsidered  int            `json:"events_considered"`
	EventsByActorKind map[string]int `json:"events_by_actor_kind"`
	EventsByActorID   map[string]int `json:"events_by_actor_id"`

	CompletionsTotal       int            `json:"completions_total"`
	CompletionsByActor     map[string]int `json:"completions_by_actor"`
	CompletionsByActorKind map[string]int `json:"completions_by_actor_kind"`
	CompletionsByActorID   map[string]int `json:"completions_by_actor_id"`
	CompletionsBySource    map[string]int `json:"completions_by_source"`
	CompletionsByProofTier map[string]int `json:"completions_by_proof_tier"`
	CompletionsByPillar    map[string]int `json:"completions_by_pillar"`
	XPByPillar             map[string]int `json:"xp_by_pillar"`
	CompletionsByPack      map[string]int `json:"completions_by_pack"`
	CompletionsByPreset    map[string]int `json:"completions_by_preset"`
	XPByPreset             map[string]int `json:"xp_by_preset"`

	DailyStreak  int `json:"daily_streak"`
	WeeklyStreak int `json:"weekly_streak"`
	TotalXP      int `json:"total_xp"`

	PlansGenerated           int                `json:"plans_generated"`
	AvgQuestsPerPlan         float64            `json:"avg_quests_per_plan"`
	QuestSuccessRate         float64            `json:"quest_success_rate"`
	QuestSuccessRateByPillar map[string]float64 `json:"quest_success_rate_by_pillar"`
	FailuresByReason         map[string]int     `json:"failures_by_reason"`

	RiskFlagsCount      int            `json:"risk_flags_count"`
	RiskFlagsByPillar   map[string]int `json:"risk_flags_by_pillar"`
	FeedbackCount       int            `json:"feedback_count"`
	FeedbackByComponent map[string]int `json:"feedback_by_component"`
	FeedbackBySeverity  map[string]int `json:"feedback_by_severity"`

	TopQuestsCompleted  []QuestCount `json:"top_quests_completed"`
	TimeboxEstimatesSum int          `json:"timebox_estimates_sum"`
	ObservedDurationSum int          `json:"observed_duration_sum"`
}

// ExportOptions are the optional knobs on ExportSummary.
type ExportOptions struct {
	// OutPath, when non-empty, also persists the summary as indented JSON.
	OutPath string

	// ActorID restricts aggregation to one normalized actor id.
	ActorID string

	// PresetID is echoed into the summary for provenance.
	PresetID string
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }

func dataMap(event map[string]any) map[string]any {
	if data, ok := event["data"].(map[string]any); ok {
		return data
	}
	return nil
}

func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// dataInt coerces numeric payload fields; JSON decoding yields float64.
func dataInt(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func dataStrings(data map[string]any, key string) []string {
	if data == nil {
		return nil
	}
	items, ok := data[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

type windowEvent struct {
	event     map[string]any
	eventType string
	actorKind string
	actorID   string
	source    string
}

// ExportSummary aggregates windowed metrics over the event stream,
// optionally filtered to one actor id, in a single pass over the filtered
// events. Events that omit pillar/pack tags (failures, risk flags) are
// resolved through a same-window lookup built from completion events; when
// no completion matches, they land in the explicit unknown buckets.
func (l *Logger) ExportSummary(rangeValue string, score ScoreState, opts ExportOptions) (*Summary, error) {
	window, err := ParseRange(rangeValue)
	if err != nil {
		return nil, err
	}

	end := l.utcNow()
	start := end.Add(-window)

	var actorFilter *string
	if opts.ActorID != "" {
		normalized := SanitizeActorID(opts.ActorID)
		actorFilter = &normalized
	}

	events, err := l.IterEvents()
	if err != nil {
		return nil, err
	}

	var inWindow []windowEvent
	for _, event := range events {
		ts, ok := parseTS(event["ts"])
		if !ok {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		kind, id := eventActor(event)
		if actorFilter != nil && id != *actorFilter {
			continue
		}
		inWindow = append(inWindow, windowEvent{
			event:     event,
			eventType: toText(event["event_type"]),
			actorKind: kind,
			actorID:   id,
			source:    eventSource(event),
		})
	}

	var completions, failures, plans, flags, feedback []windowEvent
	for _, we := range inWindow {
		switch we.eventType {
		case "quest.completed":
			completions = append(completions, we)
		case "quest.failed":
			failures = append(failures, we)
		case "plan.generated":
			plans = append(plans, we)
		case "risk.flagged":
			flags = append(flags, we)
		case "feedback.submitted":
			feedback = append(feedback, we)
		}
	}

	// Same-window lookup: completions opportunistically teach us which
	// pillars/pack a quest id belongs to, so untagged failure and flag
	// events can be attributed.
	pillarsByQuest := map[string][]string{}
	packByQuest := map[string]string{}
	for _, we := range completions {
		data := dataMap(we.event)
		questID := dataString(data, "quest_id")
		if questID == "" {
			continue
		}
		if pillars := dataStrings(data, "pillars"); len(pillars) > 0 {
			pillarsByQuest[questID] = pillars
		}
		if packID := dataString(data, "pack_id"); packID != "" {
			packByQuest[questID] = packID
		}
	}

	resolvePillars := func(we windowEvent) []string {
		data := dataMap(we.event)
		if pillars := dataStrings(data, "pillars"); len(pillars) > 0 {
			return pillars
		}
		if questID := dataString(data, "quest_id"); questID != "" {
			if pillars, ok := pillarsByQuest[questID]; ok {
				return pillars
			}
		}
		return []string{"Unknown"}
	}
	resolvePack := func(we windowEvent) string {
		data := dataMap(we.event)
		if packID := dataString(data, "pack_id"); packID != "" {
			return packID
		}
		if questID := dataString(data, "quest_id"); questID != "" {
			if packID, ok := packByQuest[questID]; ok {
				return packID
			}
		}
		return "unknown"
	}

	s := &Summary{
		SchemaVersion:            SchemaVersion,
		GeneratedAt:              formatTS(l.utcNow()),
		Range:                    rangeValue,
		ActorIDFilter:            actorFilter,
		WindowStart:              formatTS(start),
		WindowEnd:                formatTS(end),
		EventsConsidered:         len(inWindow),
		EventsByActorKind:        map[string]int{},
		EventsByActorID:          map[string]int{},
		CompletionsTotal:         len(completions),
		CompletionsByActor:       map[string]int{},
		CompletionsByActorKind:   map[string]int{},
		CompletionsByActorID:     map[string]int{},
		CompletionsBySource:      map[string]int{},
		CompletionsByProofTier:   map[string]int{},
		CompletionsByPillar:      map[string]int{},
		XPByPillar:               map[string]int{},
		CompletionsByPack:        map[string]int{},
		CompletionsByPreset:      map[string]int{},
		XPByPreset:               map[string]int{},
		DailyStreak:              score.DailyStreak,
		WeeklyStreak:             score.WeeklyStreak,
		TotalXP:                  score.TotalXP,
		PlansGenerated:           len(plans),
		QuestSuccessRateByPillar: map[string]float64{},
		FailuresByReason:         map[string]int{},
		RiskFlagsCount:           len(flags),
		RiskFlagsByPillar:        map[string]int{},
		FeedbackCount:            len(feedback),
		FeedbackByComponent:      map[string]int{},
		FeedbackBySeverity:       map[string]int{},
		TopQuestsCompleted:       []QuestCount{},
	}
	if opts.PresetID != "" {
		presetID := opts.PresetID
		s.AppliedPresetID = &presetID
	}

	for _, we := range inWindow {
		s.EventsByActorKind[we.actorKind]++
		s.EventsByActorID[we.actorID]++
	}

	questCounts := map[string]int{}
	attemptsByPillar := map[string]int{}
	successesByPillar := map[string]int{}

	for _, we := range completions {
		data := dataMap(we.event)
		awarded := dataInt(data, "xp_awarded")

		s.CompletionsByActorKind[we.actorKind]++
		s.CompletionsByActor[we.actorKind]++
		s.CompletionsByActorID[we.actorID]++
		s.CompletionsBySource[we.source]++

		tier := dataString(data, "proof_tier")
		if tier == "" {
			tier = "unknown"
		}
		s.CompletionsByProofTier[tier]++

		s.CompletionsByPack[resolvePack(we)]++

		presetID := dataString(data, "applied_preset_id")
		if presetID == "" {
			presetID = "none"
		}
		s.CompletionsByPreset[presetID]++
		s.XPByPreset[presetID] += awarded

		if questID := dataString(data, "quest_id"); questID != "" {
			questCounts[questID]++
		}

		for _, pillar := range resolvePillars(we) {
			s.CompletionsByPillar[pillar]++
			s.XPByPillar[pillar] += awarded
			successesByPillar[pillar]++
			attemptsByPillar[pillar]++
		}

		s.TimeboxEstimatesSum += dataInt(data, "timebox_estimate_minutes")
		s.ObservedDurationSum += dataInt(data, "observed_duration_seconds")
	}

	for _, we := range failures {
		data := dataMap(we.event)
		reason := dataString(data, "reason")
		if reason == "" {
			reason = "unknown"
		}
		s.FailuresByReason[reason]++
		for _, pillar := range resolvePillars(we) {
			attemptsByPillar[pillar]++
		}
	}

	for _, we := range flags {
		for _, pillar := range resolvePillars(we) {
			s.RiskFlagsByPillar[pillar]++
		}
	}

	for _, we := range feedback {
		data := dataMap(we.event)
		if component := dataString(data, "component"); component != "" {
			s.FeedbackByComponent[component]++
		}
		if severity := dataString(data, "severity"); severity != "" {
			s.FeedbackBySeverity[severity]++
		}
	}

	questCountSum := 0
	for _, we := range plans {
		questCountSum += dataInt(dataMap(we.event), "quest_count")
	}
	if len(plans) > 0 {
		s.AvgQuestsPerPlan = round3(float64(questCountSum) / float64(len(plans)))
	}

	attempts := len(completions) + len(failures)
	if attempts > 0 {
		s.QuestSuccessRate = round4(float64(len(completions)) / float64(attempts))
	}
	for pillar, pillarAttempts := range attemptsByPillar {
		if pillarAttempts > 0 {
			s.QuestSuccessRateByPillar[pillar] = round4(float64(successesByPillar[pillar]) / float64(pillarAttempts))
		}
	}

	s.TopQuestsCompleted = topQuests(questCounts, 10)

	if opts.OutPath != "" {
		if err := writeSummary(opts.OutPath, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// topQuests returns the n most-completed quest ids, ties broken by
// ascending id so the leaderboard is deterministic.
func topQuests(counts map[string]int, n int) []QuestCount {
	rows := make([]QuestCount, 0, len(counts))
	for questID, count := range counts {
		rows = append(rows, QuestCount{QuestID: questID, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].QuestID < rows[j].QuestID
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func writeSummary(path string, s *Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating summary directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing summary %s: %w", path, err)
	}
	return nil
}

// SummarySHA256 computes a deterministic digest over a summary, suitable as
// an export receipt. The summary is canonicalized (sorted keys) first so
// field order never matters.
func SummarySHA256(s *Summary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(asMap)
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}
