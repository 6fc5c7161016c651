package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// HandleListEyes returns the fixed Eye catalog with the active persona and
// global route for each, plus total persona counts from the store.
func (h *Handlers) HandleListEyes(w http.ResponseWriter, r *http.Request) {
	personas, err := h.db.ListPersonas(r.Context(), nil)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	counts := make(map[model.Eye]int, len(model.EyeCatalog))
	for _, p := range personas {
		counts[p.Eye]++
	}

	snap := h.registry.Current()
	statuses := make([]model.EyeStatus, 0, len(model.EyeCatalog))
	for i, eye := range model.EyeCatalog {
		status := model.EyeStatus{
			Eye:            eye,
			PersonaCount:   counts[eye],
			DefaultOrdinal: i,
		}
		if p, ok := snap.ActivePersona(eye); ok {
			v := p.Version
			status.ActiveVersion = &v
		}
		if rule, ok := snap.GlobalRule(eye); ok {
			status.Provider = rule.Provider
			status.Model = rule.Model
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, r, http.StatusOK, statuses)
}

// HandleCreatePersona stores a new persona version for an Eye, optionally
// activating it immediately.
func (h *Handlers) HandleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePersonaRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	persona, err := h.db.CreatePersona(r.Context(), req.Eye, req.Content, req.Activate)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Activate {
		h.reloadRegistry(r)
	}
	writeJSON(w, r, http.StatusCreated, persona)
}

// HandleListPersonas returns persona versions, optionally filtered by eye.
func (h *Handlers) HandleListPersonas(w http.ResponseWriter, r *http.Request) {
	var eye *model.Eye
	if v := r.URL.Query().Get("eye"); v != "" {
		e := model.Eye(v)
		if !model.KnownEye(e) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown eye "+v)
			return
		}
		eye = &e
	}

	personas, err := h.db.ListPersonas(r.Context(), eye)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if personas == nil {
		personas = []model.Persona{}
	}
	writeJSON(w, r, http.StatusOK, personas)
}

// HandleActivatePersona makes one persona version the active one for its Eye.
func (h *Handlers) HandleActivatePersona(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("persona_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid persona id")
		return
	}

	persona, err := h.db.ActivatePersona(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.reloadRegistry(r)
	writeJSON(w, r, http.StatusOK, persona)
}

// HandleUpsertRouting creates or replaces a routing rule. The provider must
// be registered; a rule pointing at a provider this process cannot execute
// would fail every run that touches it.
func (h *Handlers) HandleUpsertRouting(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertRoutingRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.providers.Get(req.Provider); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"provider "+req.Provider+" is not registered")
		return
	}

	rule, err := h.db.UpsertRoutingRule(r.Context(), model.RoutingRule{
		Eye:        req.Eye,
		SessionID:  req.SessionID,
		Provider:   req.Provider,
		Model:      req.Model,
		Strictness: req.Strictness,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.reloadRegistry(r)
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleListRouting returns all routing rules, global rules first.
func (h *Handlers) HandleListRouting(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListRoutingRules(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.RoutingRule{}
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleListStrictness returns the built-in strictness profiles with any
// stored tuning overlaid.
func (h *Handlers) HandleListStrictness(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.ListStrictnessProfiles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	overrides := make(map[string]model.StrictnessProfile, len(stored))
	for _, p := range stored {
		overrides[p.Name] = p
	}

	profiles := model.DefaultProfiles()
	for i, p := range profiles {
		if o, ok := overrides[p.Name]; ok {
			profiles[i] = o
		}
	}
	writeJSON(w, r, http.StatusOK, profiles)
}

// HandleUpsertStrictness tunes one of the built-in strictness profiles.
// Profile names are a closed set; new names cannot be introduced.
func (h *Handlers) HandleUpsertStrictness(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	switch name {
	case model.StrictnessPermissive, model.StrictnessStandard, model.StrictnessStrict:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown strictness profile "+name)
		return
	}

	var req model.UpsertProfileRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	profile, err := h.db.UpsertStrictnessProfile(r.Context(), model.StrictnessProfile{
		Name:               name,
		AmbiguityThreshold: req.AmbiguityThreshold,
		RetryBudget:        req.RetryBudget,
		InvokeTimeout:      time.Duration(req.InvokeTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.reloadRegistry(r)
	writeJSON(w, r, http.StatusOK, profile)
}

// reloadRegistry installs a fresh snapshot after an admin write so the
// change is visible to the next run without waiting for the refresh loop.
func (h *Handlers) reloadRegistry(r *http.Request) {
	if err := h.registry.Reload(r.Context()); err != nil {
		h.logger.Warn("registry reload after admin write failed", "error", err)
	}
}
