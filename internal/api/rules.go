package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/store"
)

// --- Rule Management Endpoints ---

type ruleRequest struct {
	Name       string            `json:"name"`
	CategoryID int64             `json:"category_id"`
	Type       rules.Type        `json:"type"`
	Operator   string            `json:"operator"`
	Conditions []rules.Condition `json:"conditions"`
}

func (req ruleRequest) rule() rules.Rule {
	r := rules.Rule{
		Name:       strings.TrimSpace(req.Name),
		CategoryID: req.CategoryID,
		Type:       req.Type,
		Operator:   rules.NormalizeOperator(req.Operator),
		Conditions: req.Conditions,
	}
	if r.Type == "" {
		r.Type = rules.TypeCustom
	}
	return r
}

type listRulesResponse struct {
	Rules []rules.Rule `json:"rules"`
	ETag  string       `json:"etag"`
}

type ruleResponse struct {
	Rule   rules.Rule `json:"rule"`
	Usable bool       `json:"usable"`
	ETag   string     `json:"etag,omitempty"`
}

// handleListRules lists every stored rule ordered by id.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRules(r.Context())
	if err != nil {
		InternalError(w, r, "Failed to list rules")
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, listRulesResponse{Rules: list, ETag: s.rules.Load().ETag})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidID, "Rule id must be a positive integer")
		return
	}
	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, "Rule not found")
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse{Rule: *rule, Usable: s.evaluator.IsUsable(*rule)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req, "expected fields 'name', 'category_id', 'type', 'operator' and 'conditions'") {
		return
	}
	rule := req.rule()
	if err := rules.ValidateRule(rule, s.registry); err != nil {
		BadRequestError(w, r, ErrCodeInvalidRule, err.Error())
		return
	}
	rule.CreatedBy = "admin"

	created, err := s.store.CreateRule(r.Context(), rule)
	if err != nil {
		InternalError(w, r, "Failed to create rule")
		return
	}
	s.record(r, audit.ResourceTypeRule, strconv.FormatInt(created.ID, 10), audit.ActionCreated, nil, created)
	s.afterRuleWrite(w, r, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidID, "Rule id must be a positive integer")
		return
	}
	var req ruleRequest
	if !decodeJSON(w, r, &req, "expected fields 'name', 'category_id', 'type', 'operator' and 'conditions'") {
		return
	}
	rule := req.rule()
	rule.ID = id
	if err := rules.ValidateRule(rule, s.registry); err != nil {
		BadRequestError(w, r, ErrCodeInvalidRule, err.Error())
		return
	}

	before, _ := s.store.GetRule(r.Context(), id)
	updated, err := s.store.UpdateRule(r.Context(), rule)
	if err != nil {
		s.storeError(w, r, err, "Rule not found")
		return
	}
	s.record(r, audit.ResourceTypeRule, strconv.FormatInt(id, 10), audit.ActionUpdated, before, updated)
	s.afterRuleWrite(w, r, http.StatusOK, updated)
}

// handleDeleteRule removes a rule unless some saved block still uses it.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidID, "Rule id must be a positive integer")
		return
	}
	usage, err := s.store.ListUsage(r.Context(), id)
	if err != nil {
		InternalError(w, r, "Failed to read rule usage")
		return
	}
	if len(usage) > 0 {
		msg := fmt.Sprintf("%s: used by %d block(s)", rules.ErrRuleInUse, len(usage))
		s.audit.Log(audit.NewEventBuilder(r, "admin").
			ForResource(audit.ResourceTypeRule, strconv.FormatInt(id, 10)).
			WithAction(audit.ActionDeleted).
			Failure(msg).
			Build())
		ConflictError(w, r, ErrCodeRuleInUse, msg)
		return
	}

	before, _ := s.store.GetRule(r.Context(), id)
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		s.storeError(w, r, err, "Rule not found")
		return
	}
	s.record(r, audit.ResourceTypeRule, strconv.FormatInt(id, 10), audit.ActionDeleted, before, nil)
	if err := s.RefreshRules(r.Context()); err != nil {
		InternalError(w, r, "Snapshot rebuild failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloneRule stores a custom copy of a rule under a free name.
func (s *Server) handleCloneRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidID, "Rule id must be a positive integer")
		return
	}
	src, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err, "Rule not found")
		return
	}
	list, err := s.store.ListRules(r.Context())
	if err != nil {
		InternalError(w, r, "Failed to list rules")
		return
	}
	names := make(map[string]bool, len(list))
	for _, existing := range list {
		names[existing.Name] = true
	}

	clone := rules.Clone(*src, func(name string) bool { return names[name] })
	clone.CreatedBy = "admin"
	created, err := s.store.CreateRule(r.Context(), clone)
	if err != nil {
		InternalError(w, r, "Failed to create rule")
		return
	}
	s.record(r, audit.ResourceTypeRule, strconv.FormatInt(created.ID, 10), audit.ActionCloned, src, created)
	s.afterRuleWrite(w, r, http.StatusCreated, created)
}

type usageResponse struct {
	RuleID int64         `json:"rule_id"`
	Usage  []store.Usage `json:"usage"`
}

func (s *Server) handleRuleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		BadRequestError(w, r, ErrCodeInvalidID, "Rule id must be a positive integer")
		return
	}
	usage, err := s.store.ListUsage(r.Context(), id)
	if err != nil {
		InternalError(w, r, "Failed to read rule usage")
		return
	}
	if usage == nil {
		usage = []store.Usage{}
	}
	writeJSON(w, http.StatusOK, usageResponse{RuleID: id, Usage: usage})
}

// afterRuleWrite publishes the new snapshot and answers with the rule.
func (s *Server) afterRuleWrite(w http.ResponseWriter, r *http.Request, status int, rule rules.Rule) {
	if err := s.RefreshRules(r.Context()); err != nil {
		InternalError(w, r, "Snapshot rebuild failed")
		return
	}
	writeJSON(w, status, ruleResponse{
		Rule:   rule,
		Usable: s.evaluator.IsUsable(rule),
		ETag:   s.rules.Load().ETag,
	})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		NotFoundError(w, r, notFound)
		return
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("store request failed")
	InternalError(w, r, "Store request failed")
}

// --- Categories ---

type categoryRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListCategories(r.Context())
	if err != nil {
		InternalError(w, r, "Failed to list categories")
		return
	}
	if list == nil {
		list = []rules.Category{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": list})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeJSON(w, r, &req, "expected field 'name'") {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		ValidationError(w, r, "Validation failed for one or more fields", map[string]string{"name": "is required"})
		return
	}
	c, err := s.store.CreateCategory(r.Context(), name)
	if err != nil {
		InternalError(w, r, "Failed to create category")
		return
	}
	s.record(r, audit.ResourceTypeCategory, strconv.FormatInt(c.ID, 10), audit.ActionCreated, nil, c)
	writeJSON(w, http.StatusCreated, c)
}

// --- Condition Types ---

type conditionInfo struct {
	Identifier  string              `json:"identifier"`
	Description string              `json:"description"`
	MeasureKey  string              `json:"measure_key,omitempty"`
	Kind        conditions.Kind     `json:"kind"`
	Comparators []conditions.Option `json:"comparators"`
	Values      []conditions.Option `json:"values"`
	Usable      bool                `json:"usable"`
	Unmet       []string            `json:"unmet,omitempty"`
}

// handleListConditions lists the registered condition types by category,
// with the dependency failures of the unusable ones.
func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	groups := s.registry.Grouped()
	out := make(map[string][]conditionInfo, len(groups))
	for category, list := range groups {
		infos := make([]conditionInfo, 0, len(list))
		for _, c := range list {
			info := conditionInfo{
				Identifier:  c.Identifier(),
				Description: c.Description(),
				MeasureKey:  c.MeasureKey(),
				Kind:        c.ComparisonKind(),
				Comparators: c.Comparators(),
				Values:      c.ComparisonValues(),
				Usable:      true,
			}
			for _, dep := range c.Dependencies() {
				if !dep.Verify() {
					info.Usable = false
					info.Unmet = append(info.Unmet, dep.FailureMessage())
				}
			}
			infos = append(infos, info)
		}
		out[category] = infos
	}
	writeJSON(w, http.StatusOK, map[string]any{"conditions": out})
}
