package telemetry

import (
	"runtime"
	"strings"
)

// Closed vocabularies. Unrecognized values never widen these sets: an
// unknown event type is substituted with risk.flagged (see buildEvent), an
// unknown actor kind or source falls back to its safe default.
var (
	validEventTypes = map[string]bool{
		"runner.started":       true,
		"plan.generated":       true,
		"proof.submitted":      true,
		"proof.rejected":       true,
		"quest.completed":      true,
		"quest.failed":         true,
		"scorecard.updated":    true,
		"profile.updated":      true,
		"capability.granted":   true,
		"capability.revoked":   true,
		"feedback.submitted":   true,
		"preset.applied":       true,
		"risk.flagged":         true,
		"telemetry.purged":     true,
		"trust_signal.updated": true,
	}

	validActorKinds = map[string]bool{"human": true, "agent": true, "system": true}
	validSources    = map[string]bool{"cli": true, "api": true, "mcp": true}
)

// BuildInfo is static build/runtime metadata attached to every event.
// Version and Revision are injected at build time via ldflags; the runtime
// fields are detected per-process.
type BuildInfo struct {
	Version        string
	Revision       string
	RuntimeVersion string
	Platform       string
}

// DetectBuildInfo fills runtime fields from the current process.
func DetectBuildInfo(version, revision string) BuildInfo {
	return BuildInfo{
		Version:        version,
		Revision:       revision,
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (b BuildInfo) toMap() map[string]any {
	var revision any
	if b.Revision != "" {
		revision = b.Revision
	}
	return map[string]any{
		"runner_version":  b.Version,
		"git_sha":         revision,
		"runtime_version": b.RuntimeVersion,
		"platform":        b.Platform,
	}
}

// SanitizeActorID normalizes an actor identity to a safe, bounded string.
// Nil or empty input becomes "unknown"; risky content is redacted like any
// other string value.
func SanitizeActorID(value any) string {
	text := "unknown"
	if value != nil {
		text = toText(value)
	}
	sanitized, _ := sanitizeText(text, "unknown")
	if sanitized == "" {
		return "unknown"
	}
	return sanitized
}

// NormalizeActor returns the canonical actor model {kind, id}.
//
// The actor argument accepts either a bare kind ("human"), a prefixed
// identity ("agent:claw-7", in which case the prefix supplies the kind), or
// a free-form id (kept as id, kind defaulted). actorID, when non-empty,
// always wins as the identity.
func NormalizeActor(actor, actorID string) map[string]any {
	kind := "system"
	id := actorID

	trimmed := strings.TrimSpace(actor)
	lowered := strings.ToLower(trimmed)
	switch {
	case validActorKinds[lowered]:
		kind = lowered
	case trimmed != "":
		if id == "" {
			id = trimmed
		}
		if prefix, _, ok := strings.Cut(lowered, ":"); ok && validActorKinds[prefix] {
			kind = prefix
		}
	}

	return map[string]any{"kind": kind, "id": SanitizeActorID(id)}
}

// normalizeSource clamps a source string to the closed set, defaulting to
// "cli" rather than persisting arbitrary input.
func normalizeSource(source string) string {
	candidate := strings.ToLower(strings.TrimSpace(source))
	if validSources[candidate] {
		return candidate
	}
	return "cli"
}

// eventActor reads the actor model back out of a stored record, tolerating
// both the canonical {kind, id} object and legacy string forms.
func eventActor(event map[string]any) (kind, id string) {
	switch actor := event["actor"].(type) {
	case map[string]any:
		k, _ := actor["kind"].(string)
		k = strings.ToLower(strings.TrimSpace(k))
		if !validActorKinds[k] {
			k = "system"
		}
		rawID, _ := actor["id"].(string)
		return k, SanitizeActorID(rawID)
	case string:
		m := NormalizeActor(actor, "")
		return m["kind"].(string), m["id"].(string)
	default:
		return "system", "unknown"
	}
}

// eventSource reads the source back out of a stored record with the same
// safe default applied on write.
func eventSource(event map[string]any) string {
	s, _ := event["source"].(string)
	return normalizeSource(s)
}
