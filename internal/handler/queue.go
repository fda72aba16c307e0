package handler

import (
	"net/http"

	"docstore/internal/hub"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

// QueueStatus lists the work of a queue in one state
type QueueStatus struct {
	ID    string   `json:"id"`
	State string   `json:"state"`
	Size  int      `json:"size"`
	IDs   []string `json:"ids"`
}

// queue resolves the {id} path parameter, writing 404 when the queue is
// not configured
func (h *Handler) queue(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if h.queues == nil {
		h.fail(w, "Unknown queue", storeerr.New("get queue", id, storeerr.ErrNotFound))
		return "", false
	}
	if _, err := h.queues.GetScheduledQueue(id); err != nil {
		h.fail(w, "Unknown queue", err)
		return "", false
	}
	return id, true
}

// ListQueues returns the queues holding work, configured or not
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		h.writeJSON(w, []string{}, http.StatusOK)
		return
	}
	ids, err := h.queues.QueueIDs(r.Context())
	if err != nil {
		h.fail(w, "Failed to list queues", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, ids, http.StatusOK)
}

// GetQueue lists the work ids of a queue in the state given by the state
// parameter, scheduled and running ones when absent
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queue(w, r)
	if !ok {
		return
	}
	state, err := workqueue.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		h.fail(w, "Invalid state", err)
		return
	}

	ids, err := h.queues.ListWorkIds(r.Context(), id, state)
	if err != nil {
		h.fail(w, "Failed to list work", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	name := string(state)
	if name == "" {
		name = "pending"
	}
	h.writeJSON(w, QueueStatus{ID: id, State: name, Size: len(ids), IDs: ids}, http.StatusOK)
}

// SuspendQueue moves the scheduled work of a queue to its suspended list
func (h *Handler) SuspendQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queue(w, r)
	if !ok {
		return
	}
	n, err := h.queues.SetSuspending(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to suspend queue", err)
		return
	}
	h.publish(hub.Event{Type: hub.EventQueueSuspended, Queue: id, Count: n})
	h.writeJSON(w, CountResponse{Count: n}, http.StatusOK)
}

// ResumeQueue schedules the suspended work of a queue again
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queue(w, r)
	if !ok {
		return
	}
	n, err := h.queues.ScheduleSuspendedWork(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to resume queue", err)
		return
	}
	h.publish(hub.Event{Type: hub.EventQueueResumed, Queue: id, Count: n})
	h.writeJSON(w, CountResponse{Count: n}, http.StatusOK)
}

// ClearCompleted drops the completed work finished before the before
// parameter, all of it when absent
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queue(w, r)
	if !ok {
		return
	}
	before, err := timeParam(r, "before")
	if err != nil {
		h.fail(w, "Invalid before", err)
		return
	}
	n, err := h.queues.ClearCompletedWork(r.Context(), id, before)
	if err != nil {
		h.fail(w, "Failed to clear completed work", err)
		return
	}
	h.publish(hub.Event{Type: hub.EventQueueCleared, Queue: id, Count: n})
	h.writeJSON(w, CountResponse{Count: n}, http.StatusOK)
}
