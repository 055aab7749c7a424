package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/pdindex/internal/businesscard"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/indexer"
	"github.com/Aman-CERP/pdindex/internal/search"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := pderrors.HTTPStatus(err)
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
	}
	for k, v := range pderrors.FormatForLog(err) {
		attrs = append(attrs, slog.Any(k, v))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Info("request rejected", attrs...)
	}

	body, ferr := pderrors.FormatJSON(err)
	if ferr != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// verify resolves the requester or writes 403 and returns false.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) (string, bool) {
	requesterID, err := s.verifier.Verify(r)
	if err != nil {
		if !errors.Is(err, pderrors.ErrForbidden) {
			err = pderrors.Forbidden("client identity could not be verified", err)
		}
		s.writeError(w, r, err)
		return "", false
	}
	return requesterID, true
}

// participantID normalizes raw to "scheme::value".
func participantID(raw string) (string, error) {
	id, err := businesscard.ParseParticipantID(raw)
	if err != nil {
		return "", pderrors.ValidationError(err.Error(), nil)
	}
	return id.String(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpsert queues a CREATE_OR_UPDATE for the participant in the body.
func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.verify(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, pderrors.ValidationError("cannot read request body", err))
		return
	}
	pid, err := participantID(string(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	item, err := s.indexer.Submit(pid, indexer.OperationCreateOrUpdate, requesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("upsert accepted", slog.Any("item", item))
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete queues a DELETE. The participant must currently be indexed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.verify(w, r)
	if !ok {
		return
	}

	pid, err := participantID(r.PathValue("participantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	exists, err := s.directory.Contains(r.Context(), pid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		s.writeError(w, r, pderrors.NotFound(pid))
		return
	}

	item, err := s.indexer.Submit(pid, indexer.OperationDelete, requesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("delete accepted", slog.Any("item", item))
	w.WriteHeader(http.StatusNoContent)
}

// Status is the operator overview.
type Status struct {
	Participants int `json:"participants"`
	Queued       int `json:"queued"`
	ReIndex      int `json:"reindex"`
	Dead         int `json:"dead"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verify(w, r); !ok {
		return
	}
	n, err := s.directory.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Status{
		Participants: n,
		Queued:       s.indexer.QueueLen(),
		ReIndex:      s.indexer.ReIndexCount(),
		Dead:         s.indexer.DeadCount(),
	})
}

// ItemView is the JSON form of a work item with its retry state.
type ItemView struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participant_id"`
	Operation     string     `json:"operation"`
	RequesterID   string     `json:"requester_id"`
	CreatedAt     time.Time  `json:"created_at"`
	Retries       int        `json:"retries"`
	PreviousRetry *time.Time `json:"previous_retry,omitempty"`
	NextRetry     time.Time  `json:"next_retry"`
	ExpireAt      time.Time  `json:"expire_at"`
	DeadAt        *time.Time `json:"dead_at,omitempty"`
}

func itemView(item *indexer.WorkItem, retries int, prev, next, expire time.Time) ItemView {
	v := ItemView{
		ID:            item.ID(),
		ParticipantID: item.ParticipantID(),
		Operation:     string(item.Operation()),
		RequesterID:   item.RequesterID(),
		CreatedAt:     item.CreatedAt(),
		Retries:       retries,
		NextRetry:     next,
		ExpireAt:      expire,
	}
	if !prev.IsZero() {
		v.PreviousRetry = &prev
	}
	return v
}

func (s *Server) handleReIndexList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verify(w, r); !ok {
		return
	}
	items := s.indexer.ReIndexItems()
	out := make([]ItemView, 0, len(items))
	for i := range items {
		ri := &items[i]
		out = append(out, itemView(ri.Item(), ri.Retries(), ri.PreviousRetry(), ri.NextRetry(), ri.ExpireAt()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleDeadList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verify(w, r); !ok {
		return
	}
	items := s.indexer.DeadItems()
	out := make([]ItemView, 0, len(items))
	for _, d := range items {
		v := itemView(d.Item, d.Retries, d.PreviousRetry, d.NextRetry, d.ExpireAt)
		deadAt := d.DeadAt
		v.DeadAt = &deadAt
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.verify(w, r)
	if !ok {
		return
	}
	pid, err := participantID(r.PathValue("participantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items, err := s.indexer.ResubmitDead(pid, requesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"participant_id": pid, "items": ids})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verify(w, r); !ok {
		return
	}

	q := r.URL.Query()
	req := search.Request{
		Text:    strings.TrimSpace(q.Get("q")),
		Country: strings.TrimSpace(q.Get("country")),
		Filters: q["filter"],
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, pderrors.ValidationError("limit must be a non-negative integer", err))
			return
		}
		req.Limit = n
	}

	resp, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
