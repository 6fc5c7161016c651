package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/integrity"
	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/storage"
)

// HandleStartRun accepts a new pipeline run. The run executes
// asynchronously; 201 means the run and its run-started event are durable.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.pipeline.StartRun(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetRun returns one run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns returns runs, newest first, optionally filtered by
// session_id and status.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id")
			return
		}
		filter.SessionID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.RunStatus(v)
		filter.Status = &status
	}

	runs, total, err := h.db.ListRuns(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeList(w, r, runs, &total, filter.Offset+len(runs) < total, filter.Limit, filter.Offset)
}

// HandleClarification resumes a parked run with the caller's answer.
func (h *Handlers) HandleClarification(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	var req model.ClarificationRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.pipeline.SubmitClarification(r.Context(), id, req.Answer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleCancelRun cancels a non-terminal run.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	run, err := h.pipeline.CancelRun(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleListEvents pages through a run's event log in sequence order.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	if _, err := h.db.GetRun(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	afterSeq := int64(queryInt(r, "after_seq", 0))
	limit := queryInt(r, "limit", 200)
	events, err := h.db.ListEventsSince(r.Context(), id, afterSeq, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []model.PipelineEvent{}
	}
	writeList(w, r, events, nil, len(events) == limit, limit, int(afterSeq))
}

// HandleReplay rebuilds run state from the event log and compares it with
// the stored run row.
func (h *Handlers) HandleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	events, err := h.db.ListAllEvents(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	projection, err := pipeline.Replay(events)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			"event log does not replay: "+err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, model.ReplayResult{
		Status:     projection.Status,
		StageIndex: projection.StageIndex,
		EventCount: projection.EventCount,
		Consistent: projection.Consistent(run),
	})
}

// HandleIntegrity verifies the run's hash chain and returns the Merkle root.
func (h *Handlers) HandleIntegrity(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	if _, err := h.db.GetRun(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	events, err := h.db.ListAllEvents(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	report := integrity.VerifyEvents(events)
	writeJSON(w, r, http.StatusOK, model.IntegrityResult{
		MerkleRoot: report.Root,
		EventCount: report.EventCount,
		Verified:   report.Verified,
	})
}

// HandleExport streams a self-contained SQLite bundle of the run.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	events, err := h.db.ListAllEvents(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	report := integrity.VerifyEvents(events)

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+id.String()+".db"))
	if _, err := storage.WriteBundle(run, events, report.Root, w); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		h.logger.Error("export stream failed", "run_id", id, "error", err)
	}
}

// HandleStreamEvents serves a run's event log over SSE: a catch-up read
// from the client's cursor, then live events as the broker announces them.
// The cursor comes from Last-Event-ID (reconnects) or after_seq.
func (h *Handlers) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}
	if _, err := h.db.GetRun(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	cursor := int64(queryInt(r, "after_seq", 0))
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cursor); err != nil {
			cursor = 0
		}
	}

	sub := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(id, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func() bool {
		for {
			events, err := h.db.ListEventsSince(r.Context(), id, cursor, 200)
			if err != nil {
				h.logger.Warn("stream read failed", "run_id", id, "error", err)
				return false
			}
			if len(events) == 0 {
				return true
			}
			for _, e := range events {
				if !writeSSEEvent(w, e) {
					return false
				}
				cursor = e.Seq
			}
			flusher.Flush()
			if len(events) < 200 {
				return true
			}
		}
	}
	if !emit() {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-sub:
			if n.Seq <= cursor {
				continue // already delivered by the catch-up read
			}
			if !emit() {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e model.PipelineEvent) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: pipeline\nid: %d\ndata: %s\n\n", e.Seq, data)
	return err == nil
}
