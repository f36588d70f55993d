package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

const sseHeartbeatInterval = 15 * time.Second

// sseWriter centralizes the "data: <json>\n\n" framing, flush-per-event,
// and terminal-event semantics every streaming handler needs, so
// progress/pending/complete/error events are always shaped the same
// way regardless of which handler is writing them.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the streaming response headers and returns a
// writer, or ok=false if the ResponseWriter doesn't support flushing.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseWriter) progress(p core.Progress) {
	payload := map[string]any{
		"type":    "progress",
		"step":    p.Step,
		"message": p.Message,
	}
	if p.Percent > 0 {
		payload["progress"] = p.Percent
	}
	if p.JobID != "" {
		payload["jobId"] = p.JobID
	}
	if p.Node != "" {
		payload["node"] = p.Node
	}
	s.send(payload)
}

func (s *sseWriter) pending(jobID string, startTime *time.Time, message string) {
	var st any
	if startTime != nil && !startTime.IsZero() {
		st = startTime.Format(time.RFC3339)
	}
	s.send(map[string]any{
		"type":      "pending",
		"jobId":     jobID,
		"startTime": st,
		"message":   message,
	})
}

func (s *sseWriter) complete(status, hpc, ide string, jobID, node, redirectURL string) {
	payload := map[string]any{
		"type":   "complete",
		"status": status,
		"hpc":    hpc,
		"ide":    ide,
	}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	if node != "" {
		payload["node"] = node
	}
	if redirectURL != "" {
		payload["redirectUrl"] = redirectURL
	}
	s.send(payload)
}

func (s *sseWriter) error(message string) {
	s.send(map[string]any{"type": "error", "message": message})
}

func (s *sseWriter) heartbeat() {
	_, _ = s.w.Write([]byte(": heartbeat\n\n"))
	s.flusher.Flush()
}
