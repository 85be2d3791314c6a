package httpapi

import (
	"fmt"
	"net/http"

	"github.com/actionforge/gateway/core/stream"
)

// handleStream serves the SSE channel (spec §6): "each event has id =
// audit_record.id; event: <outcome_category>; data: sanitized outcome
// JSON". A Last-Event-ID header triggers audit replay before the live
// broadcast resumes, deduplicated via stream.ReplayFilter so records
// already replayed are never redelivered once the live feed catches up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	claims := claimsFromContext(r.Context())
	namespace := r.URL.Query().Get("namespace")
	tenant := r.URL.Query().Get("tenant")
	if claims != nil && claims.Tenant != "" {
		tenant = claims.Tenant
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")

	// Subscribe before replaying so no event published during replay is
	// lost between the audit read and the live feed taking over.
	events, unsubscribe := s.Stream.Subscribe(64)
	defer unsubscribe()

	if lastEventID != "" && s.Replay != nil {
		records, err := s.Replay.Recent(r.Context(), namespace, tenant, 500)
		if err == nil {
			for i := len(records) - 1; i >= 0; i-- {
				rec := records[i]
				if !stream.ReplayFilter(lastEventID, rec.ID) {
					continue
				}
				writeSSE(w, stream.FromAuditRecord(rec))
				lastEventID = rec.ID
			}
			flusher.Flush()
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.ID <= lastEventID {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e stream.Event) {
	data, err := stream.MarshalSSE(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\n", e.ID)
	fmt.Fprintf(w, "event: %s\n", e.Outcome)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
