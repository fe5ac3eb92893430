package api

import (
	"net/http"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	PVEConfigured bool   `json:"pve_configured"`
	Agent         bool   `json:"agent"`
	Monitors      int    `json:"monitors"`
	Message       string `json:"message,omitempty"`
}

// handleHealth answers 503 until PVE credentials are configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.deps.Version,
		PVEConfigured: s.deps.PVEReady != nil && s.deps.PVEReady(),
		Agent:         s.deps.Agent != nil,
		Monitors:      s.deps.Bus.Len(),
	}

	status := http.StatusOK
	if !resp.PVEConfigured {
		status = http.StatusServiceUnavailable
		resp.Status = "error"
		resp.Message = "PVE client not configured"
	}
	writeJSON(w, status, resp)
}
