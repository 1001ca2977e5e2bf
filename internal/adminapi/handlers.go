package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clarateach/agentfleet/internal/correlator"
	"github.com/clarateach/agentfleet/internal/vm"
)

// agentView is the JSON shape returned by GET /agents — a flattened,
// wire-stable projection of correlator.Tool so renaming internal fields
// does not change the admin API's contract.
type agentView struct {
	AgentID     string             `json:"agent_id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Params      []correlator.Param `json:"params,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tools := s.corr.Tools()
	out := make([]agentView, 0, len(tools))
	for _, t := range tools {
		out = append(out, agentView{
			AgentID:     t.AgentID,
			Name:        t.Name,
			Description: t.Description,
			Params:      t.Params,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.vms.List())
}

func (s *Server) handleDestroyVM(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "vmID")

	if err := s.vms.Destroy(r.Context(), vmID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "vm_id": vmID})
}

// handleCleanup purges any firecracker process left running on this host
// outside the Manager's own tracking (e.g. after a prior daemon crash). It
// does not touch VMs the current Manager instance still tracks.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := vm.EmergencyCleanup(s.logger); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}
