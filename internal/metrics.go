package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	activeConns      atomic.Int64
	uploadSessions   atomic.Int64
	joins            atomic.Uint64
	evictions        atomic.Uint64
	texts            atomic.Uint64
	deletes          atomic.Uint64
	uploadsCompleted atomic.Uint64
	uploadsReaped    atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesServed      atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// SetUploadSessions records how many chunked uploads are unfinished.
func (m *Metrics) SetUploadSessions(n int) {
	m.uploadSessions.Store(int64(n))
}

func (m *Metrics) IncJoin() {
	m.joins.Add(1)
}

func (m *Metrics) IncEviction() {
	m.evictions.Add(1)
}

func (m *Metrics) IncText() {
	m.texts.Add(1)
}

func (m *Metrics) IncDelete() {
	m.deletes.Add(1)
}

func (m *Metrics) IncUploadCompleted() {
	m.uploadsCompleted.Add(1)
}

func (m *Metrics) IncUploadReaped() {
	m.uploadsReaped.Add(1)
}

func (m *Metrics) AddBytesReceived(n int64) {
	if n > 0 {
		m.bytesReceived.Add(uint64(n))
	}
}

func (m *Metrics) AddBytesServed(n int64) {
	if n > 0 {
		m.bytesServed.Add(uint64(n))
	}
}

// Snapshot returns the counters keyed by their exported names.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections":      m.activeConns.Load(),
		"upload_sessions":         m.uploadSessions.Load(),
		"joins_total":             m.joins.Load(),
		"evictions_total":         m.evictions.Load(),
		"texts_total":             m.texts.Load(),
		"text_deletes_total":      m.deletes.Load(),
		"uploads_completed_total": m.uploadsCompleted.Load(),
		"uploads_reaped_total":    m.uploadsReaped.Load(),
		"bytes_received_total":    m.bytesReceived.Load(),
		"bytes_served_total":      m.bytesServed.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
