package server

import (
	"net/http"
)

func (s *Server) handleSetRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		if err := s.store.SetRuleActive(r.Context(), id, active); err != nil {
			if s.isNotFound(err) {
				s.writeError(w, http.StatusNotFound, "rule not found")
				return
			}
			s.logger.Error("Failed to update rule", "rule_id", id, "active", active, "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not update rule")
			return
		}
		s.logger.Info("Rule updated", "rule_id", id, "active", active)
		s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		if s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		s.logger.Error("Failed to delete rule", "rule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not delete rule")
		return
	}
	s.logger.Info("Rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}
