// Package voice turns a streaming speech-to-text session into turn-engine
// inputs: a poll task drains the STT event stream into a bounded queue and
// a consumer task feeds final utterances to the agent one at a time.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/tools"
)

// STT tools are resolved by suffix against the registry, so any MCP server
// exporting the stt_* family can drive the runtime.
const (
	startToolSuffix   = "__stt_start_session"
	updatesToolSuffix = "__stt_get_updates"
	stopToolSuffix    = "__stt_stop_session"
	statusToolSuffix  = "__stt_get_session"
	devicesToolSuffix = "__stt_list_devices"
)

const (
	defaultChunkSeconds     = 3
	minChunkSeconds         = 1
	defaultEndpointingMs    = 500
	defaultUtteranceEndMs   = 1500
	// queueCap bounds the in-process utterance queue. The reference design
	// leaves it unbounded; a stalled consumer with a live microphone would
	// grow without limit, so overflow drops the oldest utterance instead.
	queueCap = 64
)

// StartOptions carries /voice start parameters.
type StartOptions struct {
	Source         string
	MicDeviceID    string
	MicDeviceName  string
	ChunkSeconds   int
	EndpointingMs  int
	UtteranceEndMs int
}

type utterance struct {
	text     string
	queuedAt time.Time
}

// Metrics exposes the runtime's ingestion counters.
type Metrics struct {
	QueuedCount    int
	ProcessedCount int
	AvgQueueWaitMs float64
	AvgProcessMs   float64
	LastProcessMs  float64
}

// Runtime owns the STT session lifecycle and the producer-consumer pair
// between the event stream and the turn engine.
type Runtime struct {
	linePrefix  string
	registry    *tools.Registry
	onUtterance func(text string)
	ingress     Ingress

	mu        sync.Mutex
	sessionID string
	lastSeq   int
	queue     chan utterance
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	metrics   Metrics
}

// NewRuntime creates a stopped voice runtime. onUtterance routes each final
// utterance into the turn engine (under its run lock); the consumer never
// runs two calls concurrently. A nil ingress falls back to polling.
func NewRuntime(linePrefix string, registry *tools.Registry, onUtterance func(string), ingress Ingress) *Runtime {
	if ingress == nil {
		ingress = &PollingIngress{Registry: registry}
	}
	return &Runtime{
		linePrefix:  linePrefix,
		registry:    registry,
		onUtterance: onUtterance,
		ingress:     ingress,
	}
}

// IsRunning reports whether an STT session is active.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID != ""
}

// MetricsSnapshot returns a copy of the current counters.
func (r *Runtime) MetricsSnapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Start begins an STT session and spawns the poll and consumer tasks.
// It returns a user-facing status line.
func (r *Runtime) Start(opts StartOptions) string {
	missing := r.missingTools()
	if len(missing) > 0 {
		return fmt.Sprintf("%sVoice unavailable: missing MCP tools %s",
			r.linePrefix, strings.Join(missing, ", "))
	}

	source := opts.Source
	if source == "" {
		source = "microphone"
	}
	if source != "microphone" && source != "loopback" {
		return r.linePrefix + "Voice source must be microphone or loopback"
	}

	r.mu.Lock()
	if r.sessionID != "" {
		running := r.sessionID
		r.mu.Unlock()
		return fmt.Sprintf("%sVoice is already running (session=%s)", r.linePrefix, running)
	}
	r.mu.Unlock()

	chunkSeconds := opts.ChunkSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = defaultChunkSeconds
	}
	if chunkSeconds < minChunkSeconds {
		chunkSeconds = minChunkSeconds
	}
	endpointingMs := opts.EndpointingMs
	if endpointingMs <= 0 {
		endpointingMs = defaultEndpointingMs
	}
	utteranceEndMs := opts.UtteranceEndMs
	if utteranceEndMs <= 0 {
		utteranceEndMs = defaultUtteranceEndMs
	}

	startInput := map[string]any{
		"source":           source,
		"chunk_seconds":    chunkSeconds,
		"endpointing_ms":   endpointingMs,
		"utterance_end_ms": utteranceEndMs,
	}
	if source == "microphone" && opts.MicDeviceID != "" {
		startInput["mic_device_id"] = opts.MicDeviceID
	}
	if source == "microphone" && opts.MicDeviceName != "" {
		startInput["mic_device_name"] = opts.MicDeviceName
	}

	payload, err := r.callJSONTool(startToolSuffix, startInput)
	if err != nil {
		return fmt.Sprintf("%sVoice failed: %v", r.linePrefix, err)
	}
	sessionID := strings.TrimSpace(stringField(payload, "session_id"))
	if sessionID == "" {
		return r.linePrefix + "Voice failed: start response missing session_id"
	}

	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.sessionID = sessionID
	r.lastSeq = 0
	r.queue = make(chan utterance, queueCap)
	r.cancel = cancel
	r.metrics = Metrics{}
	queue := r.queue
	r.mu.Unlock()

	r.wg.Add(2)
	go r.pollLoop(ctx, sessionID)
	go r.consumerLoop(ctx, queue)

	details := fmt.Sprintf("chunk=%d endpointing_ms=%d utterance_end_ms=%d",
		chunkSeconds, endpointingMs, utteranceEndMs)
	if source == "microphone" && opts.MicDeviceName != "" {
		details += fmt.Sprintf(" mic_device_name=%q", opts.MicDeviceName)
	}
	if source == "microphone" && opts.MicDeviceID != "" {
		details += " mic_device_id=" + opts.MicDeviceID
	}
	return fmt.Sprintf("%sVoice started (%s) session=%s [%s]", r.linePrefix, source, sessionID, details)
}

// Status returns a one-line summary of the STT session and local counters.
func (r *Runtime) Status() string {
	r.mu.Lock()
	sessionID := r.sessionID
	queueDepth := 0
	if r.queue != nil {
		queueDepth = len(r.queue)
	}
	metrics := r.metrics
	r.mu.Unlock()

	if sessionID == "" {
		return r.linePrefix + "Voice is stopped"
	}

	payload, err := r.callJSONTool(statusToolSuffix, map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Sprintf("%sVoice status check failed: %v", r.linePrefix, err)
	}
	latest := strings.TrimSpace(stringField(payload, "latest_transcript"))
	if len(latest) > 60 {
		latest = latest[:57] + "..."
	}
	return fmt.Sprintf(
		"%sVoice session=%s status=%v queue=%d next_seq=%v queued=%d processed=%d avg_wait_ms=%.0f avg_process_ms=%.0f latest=%q",
		r.linePrefix, sessionID, payload["status"], queueDepth, payload["next_seq"],
		metrics.QueuedCount, metrics.ProcessedCount,
		metrics.AvgQueueWaitMs, metrics.AvgProcessMs, latest)
}

// Devices returns the STT device list as indented JSON.
func (r *Runtime) Devices() string {
	payload, err := r.callJSONTool(devicesToolSuffix, map[string]any{})
	if err != nil {
		return fmt.Sprintf("%sVoice unavailable: %v", r.linePrefix, err)
	}
	return indentJSON(payload)
}

// Events returns up to limit raw STT events as indented JSON.
func (r *Runtime) Events(limit int) string {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return r.linePrefix + "Voice is stopped"
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	payload, err := r.callJSONTool(updatesToolSuffix, map[string]any{
		"session_id": sessionID,
		"since_seq":  0,
		"limit":      limit,
	})
	if err != nil {
		return fmt.Sprintf("%sVoice events failed: %v", r.linePrefix, err)
	}
	return indentJSON(payload)
}

// Stop cancels both tasks, waits for them to exit, and asks the STT server
// to stop the session (best-effort). Idempotent.
func (r *Runtime) Stop() string {
	r.mu.Lock()
	sessionID := r.sessionID
	cancel := r.cancel
	r.sessionID = ""
	r.cancel = nil
	r.mu.Unlock()

	if sessionID == "" {
		return r.linePrefix + "Voice is already stopped"
	}

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if _, err := r.callJSONTool(stopToolSuffix, map[string]any{"session_id": sessionID}); err != nil {
		log.Debug("stt stop tool failed", "err", err)
	}
	return fmt.Sprintf("%sVoice stopped (session=%s)", r.linePrefix, sessionID)
}

// Shutdown stops the runtime if it is running.
func (r *Runtime) Shutdown() {
	if r.IsRunning() {
		r.Stop()
	}
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (r *Runtime) pollLoop(ctx context.Context, sessionID string) {
	defer r.wg.Done()

	err := r.ingress.Events(ctx, sessionID, 0, func(event map[string]any) {
		seq := eventSeq(event)
		r.mu.Lock()
		if seq > r.lastSeq {
			r.lastSeq = seq
		}
		queue := r.queue
		r.mu.Unlock()

		if stringField(event, "type") != "utterance_final" {
			return
		}
		text := strings.TrimSpace(stringField(event, "text"))
		if text == "" {
			return
		}

		r.mu.Lock()
		r.metrics.QueuedCount++
		r.mu.Unlock()

		u := utterance{text: text, queuedAt: time.Now()}
		select {
		case queue <- u:
		default:
			// Queue saturated: drop the oldest utterance to keep up.
			select {
			case dropped := <-queue:
				log.Warn("voice queue full, dropping oldest utterance", "text", dropped.text)
			default:
			}
			select {
			case queue <- u:
			default:
			}
		}
		log.Info("voice utterance queued", "text", text)
	})
	if err != nil && ctx.Err() == nil {
		log.Error("voice polling failed", "err", err)
		r.mu.Lock()
		r.sessionID = ""
		r.mu.Unlock()
	}
}

func (r *Runtime) consumerLoop(ctx context.Context, queue chan utterance) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-queue:
			waitMs := float64(time.Since(u.queuedAt).Microseconds()) / 1000
			start := time.Now()
			r.onUtterance(u.text)
			processMs := float64(time.Since(start).Microseconds()) / 1000

			r.mu.Lock()
			r.metrics.ProcessedCount++
			n := float64(r.metrics.ProcessedCount)
			r.metrics.AvgQueueWaitMs = (r.metrics.AvgQueueWaitMs*(n-1) + waitMs) / n
			r.metrics.AvgProcessMs = (r.metrics.AvgProcessMs*(n-1) + processMs) / n
			r.metrics.LastProcessMs = processMs
			r.mu.Unlock()
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (r *Runtime) missingTools() []string {
	var missing []string
	for _, suffix := range []string{startToolSuffix, updatesToolSuffix, stopToolSuffix, statusToolSuffix, devicesToolSuffix} {
		if _, ok := findBySuffix(r.registry, suffix); !ok {
			missing = append(missing, "stt"+strings.TrimPrefix(suffix, "__stt"))
		}
	}
	return missing
}

func findBySuffix(registry *tools.Registry, suffix string) (tools.Tool, bool) {
	for _, name := range registry.Names() {
		if strings.HasSuffix(name, suffix) {
			return registry.Find(name)
		}
	}
	return nil, false
}

func (r *Runtime) callJSONTool(suffix string, input map[string]any) (map[string]any, error) {
	tool, ok := findBySuffix(r.registry, suffix)
	if !ok {
		return nil, fmt.Errorf("missing MCP tool stt%s", strings.TrimPrefix(suffix, "__stt"))
	}
	raw, err := tool.Execute(input)
	if err != nil {
		return nil, err
	}
	return parseJSONObject(raw)
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func indentJSON(payload map[string]any) string {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(out)
}
