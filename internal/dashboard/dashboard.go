// Package dashboard serves the questlog web UI and REST API.
//
// The dashboard binds to loopback by default and provides:
//
//   - Web UI:     GET /dashboard          — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws       — Live event feed
//   - REST API:   GET /api/status         — Log status and chain verification
//                 GET /api/events         — Filtered event query
//                 GET /api/summary        — Windowed summary export
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clawspa/questlog/internal/telemetry"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Log *telemetry.Logger
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	log   *telemetry.Logger
	wsHub *wsHub
}

// New creates a new Dashboard over the given event log.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		log:   opts.Log,
		wsHub: newWSHub(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive events as they are appended.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/events", d.handleAPIEvents)
	mux.HandleFunc("/api/summary", d.handleAPISummary)

	return mux
}

// BroadcastEvent sends an appended event to all connected WebSocket
// clients. Non-blocking — if no clients are connected, the event is
// dropped.
func (d *Dashboard) BroadcastEvent(event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAPIStatus returns log status and the result of a full chain
// verification.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	count, err := d.log.CountEvents()
	if err != nil {
		slog.Error("event count failed", "error", err)
		http.Error(w, "event count failed", http.StatusInternalServerError)
		return
	}
	verify, err := d.log.Verify()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "chain verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "running",
		"events_path": d.log.Path(),
		"event_count": count,
		"chain":       verify,
	})
}

// handleAPIEvents returns recent events, optionally filtered.
// GET /api/events?limit=50&actor=ada&type=quest.*&since=2026-08-20T00:00:00Z
func (d *Dashboard) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := telemetry.QueryParams{
		ActorID:   r.URL.Query().Get("actor"),
		EventType: r.URL.Query().Get("type"),
		Since:     r.URL.Query().Get("since"),
		Limit:     limit,
	}

	events, err := d.log.Query(params)
	if err != nil {
		slog.Error("event query failed", "error", err)
		http.Error(w, "event query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []map[string]any{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleAPISummary exports a windowed summary.
// GET /api/summary?range=7d&actor=ada
func (d *Dashboard) handleAPISummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	rangeValue := r.URL.Query().Get("range")
	if rangeValue == "" {
		rangeValue = "7d"
	}

	summary, err := d.log.ExportSummary(rangeValue, telemetry.ScoreState{}, telemetry.ExportOptions{
		ActorID: r.URL.Query().Get("actor"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the dashboard. Minimal
// single-page UI that shows log status, a summary snapshot, and a live
// event feed. Refreshes via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>questlog</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .chain-ok { color: #3fb950; }
  .chain-broken { color: #f85149; font-weight: bold; }
  .type-risk { color: #f85149; }
  .type-quest { color: #3fb950; }
  .type-other { color: #58a6ff; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>questlog</h1>
<p class="subtitle">Tamper-evident quest event log</p>

<div class="grid">
  <div class="card">
    <h2>Status</h2>
    <table>
      <tbody>
        <tr><th>Events</th><td id="event-count">-</td></tr>
        <tr><th>Chain</th><td id="chain-status">-</td></tr>
        <tr><th>Log</th><td id="events-path">-</td></tr>
      </tbody>
    </table>
  </div>
  <div class="card">
    <h2>Last 7 Days</h2>
    <table>
      <tbody>
        <tr><th>Completions</th><td id="sum-completions">-</td></tr>
        <tr><th>Success rate</th><td id="sum-rate">-</td></tr>
        <tr><th>Plans</th><td id="sum-plans">-</td></tr>
        <tr><th>Risk flags</th><td id="sum-flags">-</td></tr>
      </tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Event Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function typeClass(t) {
  if (!t) return 'type-other';
  if (t.startsWith('risk.')) return 'type-risk';
  if (t.startsWith('quest.')) return 'type-quest';
  return 'type-other';
}
function feedLine(e) {
  const actor = e.actor ? (e.actor.kind + ':' + e.actor.id) : '-';
  return '[' + esc(e.ts) + '] <span class="' + typeClass(e.event_type) + '">' +
    esc(e.event_type) + '</span> actor=' + esc(actor) + ' source=' + esc(e.source || '-');
}
async function refresh() {
  try {
    const [statusRes, summaryRes, eventsRes] = await Promise.all([
      fetch('/api/status'), fetch('/api/summary?range=7d'), fetch('/api/events?limit=20')
    ]);
    const status = await statusRes.json();
    const summary = await summaryRes.json();
    const events = await eventsRes.json();

    document.getElementById('event-count').textContent = status.event_count;
    document.getElementById('events-path').textContent = status.events_path;
    const chainEl = document.getElementById('chain-status');
    if (status.chain && status.chain.ok) {
      chainEl.textContent = 'verified';
      chainEl.className = 'chain-ok';
    } else {
      chainEl.textContent = 'BROKEN at ' + (status.chain ? status.chain.broken_index : '?') +
        ' (' + (status.chain ? status.chain.reason : 'unknown') + ')';
      chainEl.className = 'chain-broken';
    }

    document.getElementById('sum-completions').textContent = summary.completions_total;
    document.getElementById('sum-rate').textContent = summary.quest_success_rate;
    document.getElementById('sum-plans').textContent = summary.plans_generated;
    document.getElementById('sum-flags').textContent = summary.risk_flags_count;

    const feed = document.getElementById('live-feed');
    if (!events || events.length === 0) {
      feed.innerHTML = '<div class="feed-entry">No events yet</div>';
    } else {
      feed.innerHTML = events.map(e => '<div class="feed-entry">' + feedLine(e) + '</div>').join('');
    }
  } catch(e) { console.error('refresh failed:', e); }
}

// WebSocket for live updates.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedLine(entry);
      feed.insertBefore(div, feed.firstChild);
      // Keep feed under 100 entries.
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
