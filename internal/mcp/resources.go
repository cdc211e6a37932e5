package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kioku/internal/model"
)

func (s *Server) registerResources() {
	// kioku://personas — the cast with live availability.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kioku://personas",
			"Personas",
			mcplib.WithResourceDescription("All personas with rank, availability, and social energy"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePersonasResource,
	)

	// kioku://persona/{id}/stats — one persona's memory collection summary.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kioku://persona/{id}/stats",
			"Persona Memory Stats",
			mcplib.WithTemplateDescription("Memory collection summary for a specific persona"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	// kioku://prune/stats — lifetime pruning counters.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kioku://prune/stats",
			"Prune Stats",
			mcplib.WithResourceDescription("Lifetime pruning counters: runs, deletions, last run per persona"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePruneStatsResource,
	)
}

// castSnapshot is the shared payload of the personas tool and resource.
func (s *Server) castSnapshot() []model.PersonaSummary {
	now := time.Now()
	personas := s.registry.List()
	out := make([]model.PersonaSummary, 0, len(personas))
	for _, p := range personas {
		state := s.registry.State(p.ID)
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
	return out
}

func (s *Server) handlePersonasResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.castSnapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal personas: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePruneStatsResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.pruner.StatsSnapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal prune stats: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	personaID := strings.TrimSuffix(strings.TrimPrefix(uri, "kioku://persona/"), "/stats")
	if personaID == "" || personaID == uri {
		return nil, fmt.Errorf("mcp: invalid persona stats URI: %s", uri)
	}
	if !s.registry.Has(personaID) {
		return nil, fmt.Errorf("mcp: unknown persona %q", personaID)
	}

	stats, err := s.memory.Stats(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("mcp: persona stats: %w", err)
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stats: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
