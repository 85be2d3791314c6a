package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/actionforge/gateway/core/types"
)

// actionRequest is the wire shape of a dispatch request (spec §3 Action),
// since core/types.Action carries no JSON tags of its own by design —
// the wire format is an HTTP concern, not a core one.
type actionRequest struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	Tenant     string            `json:"tenant"`
	Provider   string            `json:"provider"`
	ActionType string            `json:"action_type"`
	Payload    map[string]any    `json:"payload"`
	Metadata   map[string]string `json:"metadata"`
	DedupKey   string            `json:"dedup_key"`
}

func (req actionRequest) toAction() types.Action {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return types.Action{
		ID:         id,
		Namespace:  req.Namespace,
		Tenant:     req.Tenant,
		Provider:   req.Provider,
		ActionType: req.ActionType,
		Payload:    req.Payload,
		Metadata:   req.Metadata,
		DedupKey:   req.DedupKey,
		CreatedAt:  time.Now(),
	}
}

// handleDispatch accepts a JSON action and returns the outcome as a
// tagged JSON document (spec §6: "Dispatch endpoint accepts a JSON
// action; returns the outcome as a tagged JSON").
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Namespace == "" || req.Tenant == "" || req.Provider == "" || req.ActionType == "" {
		http.Error(w, "namespace, tenant, provider, action_type are required", http.StatusBadRequest)
		return
	}

	claims := claimsFromContext(r.Context())
	if claims != nil && claims.Tenant != "" && claims.Tenant != req.Tenant {
		http.Error(w, "tenant mismatch", http.StatusForbidden)
		return
	}

	action := req.toAction()
	outcome, err := s.Gateway.Dispatch(r.Context(), action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(outcomeJSON(outcome))
}

// outcomeJSON renders an Outcome as the tagged union the wire format
// requires: a "category" discriminator plus only the fields that
// category defines. Delegates to Outcome.DetailsMap so the HTTP response
// and the persisted/replayed stream event describe a category the same
// way.
func outcomeJSON(o types.Outcome) map[string]any {
	out := map[string]any{"category": string(o.Category)}
	for k, v := range o.DetailsMap() {
		out[k] = v
	}
	return out
}
