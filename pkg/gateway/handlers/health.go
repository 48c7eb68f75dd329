package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-duplex/pkg/core/live"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionStatus is the read-only session view reported by /readyz.
type SessionStatus interface {
	ID() string
	State() live.SessionState
	IsInitialized() bool
	Mode() live.Mode
}

type ReadyHandler struct {
	Session  SessionStatus
	Draining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		SessionID   string   `json:"session_id,omitempty"`
		State       string   `json:"state,omitempty"`
		Mode        string   `json:"mode,omitempty"`
		Initialized bool     `json:"initialized"`
		Draining    bool     `json:"draining"`
		Issues      []string `json:"issues,omitempty"`
	}

	var resp readyResp
	if h.Draining != nil && h.Draining() {
		resp.Draining = true
		resp.Issues = append(resp.Issues, "server is draining")
	}
	if h.Session == nil {
		resp.Issues = append(resp.Issues, "no session attached")
	} else {
		resp.SessionID = h.Session.ID()
		resp.State = h.Session.State().String()
		resp.Mode = string(h.Session.Mode())
		resp.Initialized = h.Session.IsInitialized()
	}
	resp.OK = len(resp.Issues) == 0

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
