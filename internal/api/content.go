package api

import (
	"errors"
	"net/http"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
	"github.com/TimurManjosov/gopersonalize/internal/blocks"
	"github.com/TimurManjosov/gopersonalize/internal/content"
	"github.com/TimurManjosov/gopersonalize/internal/store"
)

// --- Content Endpoints ---

type saveContentRequest struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// handleSaveContent stores an origin document and rebuilds its mappings.
// The response carries the body as stored, which differs from the request
// when duplicate block refs were regenerated.
func (s *Server) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidDocument, "Content ref must not be empty")
		return
	}
	var req saveContentRequest
	if !decodeJSON(w, r, &req, "expected fields 'kind', 'title' and 'body'") {
		return
	}
	if req.Kind == "" {
		req.Kind = "page"
	}

	doc := content.Document{Ref: ref, Kind: req.Kind, Title: req.Title, Body: req.Body}
	res, err := s.content.Save(r.Context(), doc)
	switch {
	case err == nil:
		s.record(r, audit.ResourceTypeContent, ref, audit.ActionUpdated, nil, res)
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, content.ErrInvalidDocument):
		BadRequestError(w, r, ErrCodeInvalidDocument, err.Error())
	case errors.Is(err, store.ErrDuplicateMapping):
		ConflictError(w, r, ErrCodeBlockRefTaken, err.Error())
	default:
		s.log.Error().Err(err).Str("ref", ref).Msg("content save failed")
		InternalError(w, r, "Failed to save content")
	}
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidDocument, "Content ref must not be empty")
		return
	}
	if err := s.content.Delete(r.Context(), ref); err != nil {
		s.storeError(w, r, err, "Content not found")
		return
	}
	s.record(r, audit.ResourceTypeContent, ref, audit.ActionDeleted, nil, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRenderContent serves the cache safe rendering of an origin: every
// block carrying rules is replaced by a placeholder.
func (s *Server) handleRenderContent(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(r)
	if !ok {
		NotFoundError(w, r, "Content not found")
		return
	}
	o, err := s.store.GetOrigin(r.Context(), ref)
	if err != nil {
		s.storeError(w, r, err, "Content not found")
		return
	}

	out := s.interceptor.Render(r.Context(), blocks.Parse(o.Body), o.Ref)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}
