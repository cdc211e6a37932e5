package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/memory"
)

func (s *Server) registerTools() {
	// kioku_remember — store a memory for a persona.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_remember",
			mcplib.WithDescription(`Store a memory for a persona.

WHEN TO USE: after a conversation turn or event worth keeping. The runtime
scores importance automatically from the content; only pass importance when
you have a strong reason to override it.

VISIBILITY controls who can recall the memory later:
- private: only the owning persona (default)
- shared: personas named in related_personas
- public: every persona

EXAMPLE: remember persona_id="aria",
content="Kira mentioned the caravan arrives on the full moon",
memory_type="gossip", visibility="shared", related_personas="kira"`),
			mcplib.WithString("persona_id",
				mcplib.Description("Owning persona"),
				mcplib.Required(),
			),
			mcplib.WithString("content",
				mcplib.Description("What to remember, in plain text"),
				mcplib.Required(),
			),
			mcplib.WithString("memory_type",
				mcplib.Description("Kind of memory: conversation, fact, gossip, event, observation. Any string is accepted."),
			),
			mcplib.WithString("visibility",
				mcplib.Description("private, shared, or public"),
				mcplib.Enum("private", "shared", "public"),
			),
			mcplib.WithNumber("importance",
				mcplib.Description("Override the scored importance (0.0-1.0). Usually omit."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("related_personas",
				mcplib.Description("Comma-separated persona ids a shared memory is shared with"),
			),
		),
		s.handleRemember,
	)

	// kioku_recall — semantic recall from one persona's memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_recall",
			mcplib.WithDescription(`Recall a persona's memories by semantic similarity.

WHEN TO USE: before answering as a persona, recall what they know about the
topic. Recalling also marks the memories as accessed, which protects them
from decay and pruning.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("persona_id",
				mcplib.Description("Persona whose memories to search"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithNumber("min_importance",
				mcplib.Description("Only return memories at or above this importance"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleRecall,
	)

	// kioku_recall_shared — recall across personas under visibility rules.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_recall_shared",
			mcplib.WithDescription(`Recall memories across personas: the persona's own plus what others
have shared with it (and public memories if requested). Hits from other
personas are annotated with source_persona. Private memories of other
personas are never returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("persona_id",
				mcplib.Description("Persona doing the recalling"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithBoolean("include_public",
				mcplib.Description("Also include public memories of other personas"),
			),
		),
		s.handleRecallShared,
	)

	// kioku_personas — list the cast with live availability.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_personas",
			mcplib.WithDescription("List all personas with their rank, availability, and social energy."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handlePersonas,
	)

	// kioku_memory_stats — one persona's collection summary.
	s.mcpServer.AddTool(
		mcplib.NewTool("kioku_memory_stats",
			mcplib.WithDescription("Summarize a persona's memory collection: totals by kind and visibility, average importance."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("persona_id",
				mcplib.Description("Persona whose stats to report"),
				mcplib.Required(),
			),
		),
		s.handleMemoryStats,
	)
}

func (s *Server) handleRemember(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	personaID := request.GetString("persona_id", "")
	content := request.GetString("content", "")
	if personaID == "" || content == "" {
		return errorResult("persona_id and content are required"), nil
	}

	req := memory.StoreRequest{
		PersonaID:  personaID,
		Content:    content,
		Kind:       request.GetString("memory_type", ""),
		Visibility: model.Visibility(request.GetString("visibility", "")),
	}
	if imp := request.GetFloat("importance", -1); imp >= 0 {
		req.Importance = &imp
	}
	if related := request.GetString("related_personas", ""); related != "" {
		for _, id := range strings.Split(related, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.RelatedPersonas = append(req.RelatedPersonas, id)
			}
		}
	}

	mem, err := s.memory.Store(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("remember failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"memory_id":  mem.ID,
		"importance": mem.Importance,
		"status":     "remembered",
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	personaID := request.GetString("persona_id", "")
	query := request.GetString("query", "")
	if personaID == "" || query == "" {
		return errorResult("persona_id and query are required"), nil
	}

	hits, err := s.memory.Search(ctx, personaID, query,
		request.GetInt("limit", 5), request.GetFloat("min_importance", 0))
	if err != nil {
		return errorResult(fmt.Sprintf("recall failed: %v", err)), nil
	}
	return hitsResult(hits)
}

func (s *Server) handleRecallShared(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	personaID := request.GetString("persona_id", "")
	query := request.GetString("query", "")
	if personaID == "" || query == "" {
		return errorResult("persona_id and query are required"), nil
	}

	hits, err := s.memory.SearchCrossPersona(ctx, memory.CrossSearchRequest{
		PersonaID:     personaID,
		Query:         query,
		K:             request.GetInt("limit", 5),
		IncludeShared: true,
		IncludePublic: request.GetBool("include_public", false),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("recall failed: %v", err)), nil
	}
	return hitsResult(hits)
}

func hitsResult(hits []model.ScoredMemory) (*mcplib.CallToolResult, error) {
	out := make([]model.MemoryHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, model.HitFromScored(h))
	}
	resultData, err := json.MarshalIndent(map[string]any{
		"memories": out,
		"total":    len(out),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal recall result: %w", err)
	}
	return textResult(string(resultData)), nil
}

func (s *Server) handlePersonas(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resultData, err := json.MarshalIndent(s.castSnapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal personas: %w", err)
	}
	return textResult(string(resultData)), nil
}

func (s *Server) handleMemoryStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	personaID := request.GetString("persona_id", "")
	if personaID == "" {
		return errorResult("persona_id is required"), nil
	}
	if !s.registry.Has(personaID) {
		return errorResult(fmt.Sprintf("unknown persona %q", personaID)), nil
	}

	stats, err := s.memory.Stats(ctx, personaID)
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(stats, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
