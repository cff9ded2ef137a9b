package api

import (
	"net/http"

	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

// --- Block Resolve Endpoints ---

// handleBlocks resolves block refs for one visitor. The response holds one
// entry per requested ref, in order: markup, or null when nothing renders.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	var req blocksRequest
	if !decodeJSON(w, r, &req, "expected 'blocks' and the visitor context fields") {
		return
	}
	if fields := validationFields(req); fields != nil {
		ValidationError(w, r, "Validation failed for one or more fields", fields)
		return
	}

	env := s.hostEnv(r, req.Context(s.opts.AdminPathPrefix))
	writeJSON(w, http.StatusOK, s.resolver.Resolve(r.Context(), req.Blocks, env))
}

// handleLegacyBlocks resolves {block_id, post_id} pairs of blocks saved
// with the legacy attributes.
func (s *Server) handleLegacyBlocks(w http.ResponseWriter, r *http.Request) {
	var req legacyBlocksRequest
	if !decodeJSON(w, r, &req, "expected 'blocks' as [{block_id, post_id}] and the visitor context fields") {
		return
	}
	if fields := validationFields(req); fields != nil {
		ValidationError(w, r, "Validation failed for one or more fields", fields)
		return
	}

	env := s.hostEnv(r, req.Context(s.opts.AdminPathPrefix))
	writeJSON(w, http.StatusOK, s.resolver.ResolveLegacy(r.Context(), req.refs(), env))
}

// hostEnv pairs the visitor context with the signals only the host request
// carries.
func (s *Server) hostEnv(r *http.Request, vc visitor.Context) conditions.Env {
	env := conditions.Env{
		Visitor:  vc,
		ClientIP: clientIP(r),
		Cookies:  requestCookies(r),
	}
	if s.opts.TrustAccountHeaders {
		if id := r.Header.Get(HeaderUserID); id != "" {
			env.Account = &conditions.Account{ID: id, Roles: splitList(r.Header.Get(HeaderUserRoles))}
		}
	}
	return env
}
