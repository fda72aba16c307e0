package handler

import (
	"net/http"
	"sort"
	"time"

	"docstore/internal/hub"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
)

// RepositoryStatus is the diagnostic view of a repository
type RepositoryStatus struct {
	Name               string `json:"name"`
	ActiveSessions     int    `json:"activeSessions"`
	CacheSize          int64  `json:"cacheSize"`
	CachePristineSize  int64  `json:"cachePristineSize"`
	CacheSelectionSize int64  `json:"cacheSelectionSize"`
}

// CountResponse reports how many items an operation touched
type CountResponse struct {
	Count int `json:"count"`
}

func statusOfRepository(r storage.Management) RepositoryStatus {
	return RepositoryStatus{
		Name:               r.Name(),
		ActiveSessions:     r.ActiveSessionsCount(),
		CacheSize:          r.CacheSize(),
		CachePristineSize:  r.CachePristineSize(),
		CacheSelectionSize: r.CacheSelectionSize(),
	}
}

// repository resolves the {name} path parameter, writing 404 when unknown
func (h *Handler) repository(w http.ResponseWriter, r *http.Request) (storage.Management, bool) {
	name := r.PathValue("name")
	repo, ok := h.repos[name]
	if !ok {
		h.fail(w, "Unknown repository", storeerr.New("get repository", name, storeerr.ErrNotFound))
		return nil, false
	}
	return repo, true
}

// ListRepositories returns the status of every repository
func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	out := make([]RepositoryStatus, 0, len(h.repos))
	for _, repo := range h.repos {
		out = append(out, statusOfRepository(repo))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	h.writeJSON(w, out, http.StatusOK)
}

// GetRepository returns the sessions and cache sizes of a repository
func (h *Handler) GetRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, statusOfRepository(repo), http.StatusOK)
}

// ClearCaches asks every session to drop its cache
func (h *Handler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	repo.ClearCaches()
	h.publish(hub.Event{Type: hub.EventCachesCleared, Repository: repo.Name()})
	w.WriteHeader(http.StatusNoContent)
}

// ProcessInvalidationsNext forces the delivery of cluster invalidations
func (h *Handler) ProcessInvalidationsNext(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	repo.ProcessClusterInvalidationsNext()
	w.WriteHeader(http.StatusNoContent)
}

// RebuildReadAcls recomputes the read ACLs of the repository
func (h *Handler) RebuildReadAcls(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	if err := repo.RebuildReadAcls(r.Context()); err != nil {
		h.fail(w, "Failed to rebuild read ACLs", err)
		return
	}
	h.publish(hub.Event{Type: hub.EventReadACLsRebuilt, Repository: repo.Name()})
	w.WriteHeader(http.StatusNoContent)
}

// CleanupDeleted purges soft-deleted documents. max bounds the purge,
// before defaults to now.
func (h *Handler) CleanupDeleted(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	max, err := intParam(r, "max")
	if err != nil {
		h.fail(w, "Invalid max", err)
		return
	}
	before, err := timeParam(r, "before")
	if err != nil {
		h.fail(w, "Invalid before", err)
		return
	}
	if before.IsZero() {
		before = time.Now()
	}

	n, err := repo.CleanupDeletedDocuments(r.Context(), max, before)
	if err != nil {
		h.fail(w, "Failed to clean up deleted documents", err)
		return
	}
	h.publish(hub.Event{Type: hub.EventDeletedPurged, Repository: repo.Name(), Count: n})
	h.writeJSON(w, CountResponse{Count: n}, http.StatusOK)
}

// BinariesResponse lists the digests of the referenced blobs
type BinariesResponse struct {
	Count   int      `json:"count"`
	Digests []string `json:"digests"`
}

// ReferencedBinaries lists the blob digests a binary garbage collector
// must keep
func (h *Handler) ReferencedBinaries(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repository(w, r)
	if !ok {
		return
	}
	seen := make(map[string]bool)
	n, err := repo.MarkReferencedBinaries(r.Context(), func(digest string) {
		seen[digest] = true
	})
	if err != nil {
		h.fail(w, "Failed to scan binaries", err)
		return
	}
	resp := BinariesResponse{Count: n, Digests: make([]string, 0, len(seen))}
	for d := range seen {
		resp.Digests = append(resp.Digests, d)
	}
	sort.Strings(resp.Digests)
	h.writeJSON(w, resp, http.StatusOK)
}
