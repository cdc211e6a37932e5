package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/rpc"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
)

// dispatch routes one decoded request to its handler and sends the reply.
// persona.chat_stream manages its own event sequence and returns nothing.
func (s *session) dispatch(req rpc.Request) {
	ctx, cancel := s.callContext()
	defer cancel()

	if req.Method == "persona.chat_stream" {
		s.handleChatStream(ctx, req)
		return
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "persona.list":
		result, err = s.handlePersonaList(ctx)
	case "persona.switch":
		result, err = s.handlePersonaSwitch(req)
	case "persona.chat":
		result, err = s.handleChat(ctx, req)
	case "memory.store":
		result, err = s.handleMemoryStore(ctx, req)
	case "memory.search":
		result, err = s.handleMemorySearch(ctx, req)
	case "memory.search_cross_persona":
		result, err = s.handleMemorySearchCross(ctx, req)
	case "memory.stats":
		result, err = s.handleMemoryStats(ctx, req)
	case "memory.prune_recommendations":
		result, err = s.handlePruneRecommendations(ctx, req)
	case "memory.prune":
		result, err = s.handlePrune(ctx, req)
	case "memory.prune_stats":
		result = s.srv.deps.Pruner.StatsSnapshot()
	case "system.status":
		result, err = s.handleSystemStatus(ctx)
	default:
		s.send(rpc.NewError(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), ""))
		return
	}

	// Requests without an id are notifications; their results and failures
	// stay server-side.
	if !req.HasID() {
		if err != nil {
			s.logger.Warn("notification failed", "method", req.Method, "error", err)
		}
		return
	}
	if err != nil {
		s.send(errorResponse(req.ID, err))
		return
	}
	s.send(rpc.NewResult(req.ID, result))
}

// errorResponse maps service errors onto the stable application codes.
// Policy errors carry the relevant persona id in error.data.
func errorResponse(id json.RawMessage, err error) rpc.Response {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpc.Response{JSONRPC: rpc.Version, Error: rpcErr, ID: id}
	}

	var kv []any
	var pErr *personaError
	if errors.As(err, &pErr) {
		kv = append(kv, "persona_id", pErr.personaID)
	}
	switch {
	case errors.Is(err, prune.ErrPruneInProgress), errors.Is(err, prune.ErrRecentlyPruned):
		return rpc.NewError(id, rpc.CodeInvalidRequest, err.Error(), rpc.ErrCodePruneInProgress, kv...)
	case errors.Is(err, memory.ErrInvalidPersona), errors.Is(err, persona.ErrNotFound):
		return rpc.NewError(id, rpc.CodeInvalidParams, err.Error(), rpc.ErrCodeInvalidPersona, kv...)
	case errors.Is(err, memory.ErrEmbedderUnavailable):
		return rpc.NewError(id, rpc.CodeInternalError, err.Error(), rpc.ErrCodeEmbedderUnavailable, kv...)
	default:
		return rpc.NewError(id, rpc.CodeInternalError, err.Error(), rpc.ErrCodeInternal, kv...)
	}
}

// personaError tags a persona-related failure with the offending id so the
// error payload can name it.
type personaError struct {
	personaID string
	err       error
}

func (e *personaError) Error() string { return e.err.Error() }
func (e *personaError) Unwrap() error { return e.err }

// invalidParams builds a CodeInvalidParams error for handler-level
// validation failures.
func invalidParams(format string, args ...any) *rpc.Error {
	return &rpc.Error{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// resolvePersona picks the explicit persona id or falls back to the
// session's current one, and confirms it exists.
func (s *session) resolvePersona(explicit string) (model.Persona, error) {
	id := explicit
	if id == "" {
		id = s.currentPersona()
	}
	if id == "" {
		return model.Persona{}, invalidParams("no persona selected: pass persona_id or call persona.switch first")
	}
	p, err := s.srv.deps.Registry.Get(id)
	if err != nil {
		return model.Persona{}, &personaError{personaID: id, err: fmt.Errorf("unknown persona %q: %w", id, err)}
	}
	return p, nil
}

func (s *session) handlePersonaList(_ context.Context) (any, error) {
	reg := s.srv.deps.Registry
	now := time.Now()

	personas := reg.List()
	out := make([]model.PersonaSummary, 0, len(personas))
	for _, p := range personas {
		state := reg.State(p.ID)
		out = append(out, model.PersonaSummary{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			Available:    state.Available(now),
			Status:       state.Status(now),
			SocialEnergy: state.SocialEnergy,
			Rank:         p.Rank,
		})
	}
	return model.PersonaListResult{Personas: out}, nil
}

func (s *session) handlePersonaSwitch(req rpc.Request) (any, error) {
	var params model.PersonaSwitchParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.PersonaID == "" {
		return nil, invalidParams("persona_id is required")
	}

	p, err := s.srv.deps.Registry.Get(params.PersonaID)
	if err != nil {
		return nil, &personaError{personaID: params.PersonaID,
			err: fmt.Errorf("unknown persona %q: %w", params.PersonaID, err)}
	}
	s.setCurrentPersona(p.ID)

	state := s.srv.deps.Registry.State(p.ID)
	return model.PersonaSwitchResult{
		ID:     p.ID,
		Name:   p.Name,
		Status: state.Status(time.Now()),
	}, nil
}

func (s *session) handleMemoryStore(ctx context.Context, req rpc.Request) (any, error) {
	var params model.MemoryStoreParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, invalidParams("%v", err)
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}

	mem, err := s.srv.deps.Memory.Store(ctx, memory.StoreRequest{
		PersonaID:       p.ID,
		Content:         params.Content,
		Kind:            params.MemoryType,
		Visibility:      params.Visibility,
		Importance:      params.Importance,
		RelatedPersonas: params.RelatedPersonas,
		Metadata:        params.Metadata,
	})
	if err != nil {
		return nil, err
	}

	result := model.MemoryStoreResult{MemoryID: mem.ID}
	// Advisory only; a failed count never fails the store.
	if over, err := s.srv.deps.Pruner.OverThreshold(ctx, p.ID); err == nil {
		result.NeedsPrune = over
	}
	return result, nil
}

func (s *session) handleMemorySearch(ctx context.Context, req rpc.Request) (any, error) {
	var params model.MemorySearchParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, invalidParams("query is required")
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}

	hits, err := s.srv.deps.Memory.Search(ctx, p.ID, params.Query, params.NResults, params.MinImportance)
	if err != nil {
		return nil, err
	}
	return searchResult(hits), nil
}

func (s *session) handleMemorySearchCross(ctx context.Context, req rpc.Request) (any, error) {
	var params model.MemorySearchCrossParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, invalidParams("query is required")
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}

	hits, err := s.srv.deps.Memory.SearchCrossPersona(ctx, memory.CrossSearchRequest{
		PersonaID:     p.ID,
		Query:         params.Query,
		K:             params.NResults,
		MinImportance: params.MinImportance,
		IncludeShared: params.IncludeShared,
		IncludePublic: params.IncludePublic,
	})
	if err != nil {
		return nil, err
	}
	return searchResult(hits), nil
}

func searchResult(hits []model.ScoredMemory) model.MemorySearchResult {
	out := make([]model.MemoryHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, model.HitFromScored(h))
	}
	return model.MemorySearchResult{Memories: out}
}

func (s *session) handleMemoryStats(ctx context.Context, req rpc.Request) (any, error) {
	var params model.MemoryStatsParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}
	stats, err := s.srv.deps.Memory.Stats(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *session) handlePruneRecommendations(ctx context.Context, req rpc.Request) (any, error) {
	var params model.MemoryStatsParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}
	rec, err := s.srv.deps.Pruner.Recommendations(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *session) handlePrune(ctx context.Context, req rpc.Request) (any, error) {
	var params model.PruneParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}
	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return nil, err
	}
	report, err := s.srv.deps.Pruner.Prune(ctx, p.ID, params.Force)
	if err != nil {
		return nil, &personaError{personaID: p.ID, err: err}
	}
	return report, nil
}

func (s *session) handleSystemStatus(ctx context.Context) (any, error) {
	deps := s.srv.deps

	total := 0
	if personas, err := deps.Memory.PersonaCollections(ctx); err == nil {
		for _, id := range personas {
			n, err := deps.Memory.Count(ctx, id)
			if err != nil {
				continue
			}
			total += n
		}
	}

	pruneStats := deps.Pruner.StatsSnapshot()
	now := time.Now().UTC()
	return model.SystemStatusResult{
		Version:          deps.Version,
		StartedAt:        s.srv.startedAt,
		UptimeSeconds:    int64(now.Sub(s.srv.startedAt).Seconds()),
		ActiveSessions:   s.srv.ActiveSessions(),
		Personas:         deps.Registry.Count(),
		TotalMemories:    total,
		MemoriesStored:   deps.Memory.TotalStored(),
		SearchesServed:   deps.Memory.TotalSearches(),
		DecayCycles:      deps.Decay.Cycles(),
		PruneRuns:        pruneStats.Runs,
		MemoriesPruned:   pruneStats.Deleted,
		EmbedderProvider: deps.EmbedderName,
		LLMProvider:      deps.LLM.Name(),
		VectorStore:      deps.StoreName,
		VectorStoreOK:    deps.Store.Healthy(ctx) == nil,
	}, nil
}
