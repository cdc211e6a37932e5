package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ashita-ai/kioku/internal/model"
)

// Source loads persona and relationship definitions. The relational store,
// a JSON file, and the built-in demo set all implement it; the registry does
// not care which one it is refreshing from.
type Source interface {
	LoadPersonas(ctx context.Context) ([]model.Persona, error)
	LoadRelationships(ctx context.Context) ([]model.Relationship, error)
}

// FileSource reads personas and relationships from a single JSON file.
// Dev-mode alternative to Postgres; the file is re-read on every refresh so
// edits show up without a restart.
type FileSource struct {
	Path string
}

type fileDoc struct {
	Personas      []model.Persona      `json:"personas"`
	Relationships []model.Relationship `json:"relationships,omitempty"`
}

func (s FileSource) load() (fileDoc, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return fileDoc{}, fmt.Errorf("persona: read %s: %w", s.Path, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fileDoc{}, fmt.Errorf("persona: parse %s: %w", s.Path, err)
	}
	for _, p := range doc.Personas {
		if err := model.ValidatePersonaID(p.ID); err != nil {
			return fileDoc{}, fmt.Errorf("persona: %s: %w", s.Path, err)
		}
	}
	return doc, nil
}

// LoadPersonas reads the persona definitions from the file.
func (s FileSource) LoadPersonas(_ context.Context) ([]model.Persona, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Personas, nil
}

// LoadRelationships reads the relationship definitions from the file.
func (s FileSource) LoadRelationships(_ context.Context) ([]model.Relationship, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Relationships, nil
}

// BuiltinSource serves a small demo cast so the runtime works out of the box
// with neither DATABASE_URL nor a personas file configured.
type BuiltinSource struct{}

// LoadPersonas returns the demo personas.
func (BuiltinSource) LoadPersonas(context.Context) ([]model.Persona, error) {
	return []model.Persona{
		{
			ID:          "aria",
			Name:        "Aria",
			Description: "A curious scholar of the arcane with a fondness for old libraries.",
			Traits:      map[string]float64{"curiosity": 0.9, "patience": 0.6, "caution": 0.4},
			TopicPreferences: map[string]int{
				"magic": 80, "lore": 70, "nature": 40, "social": 30,
			},
			Rank: "scholar",
		},
		{
			ID:          "kira",
			Name:        "Kira",
			Description: "A sharp-tongued merchant who hears every rumor in the market.",
			Traits:      map[string]float64{"curiosity": 0.5, "patience": 0.3, "charm": 0.8},
			TopicPreferences: map[string]int{
				"trade": 90, "social": 70, "travel": 50, "politics": 40,
			},
			Rank: "merchant",
		},
		{
			ID:          "wizard",
			Name:        "Thalos",
			Description: "An old wizard, keeper of the tower archive, slow to trust.",
			Traits:      map[string]float64{"curiosity": 0.7, "patience": 0.9, "caution": 0.8},
			TopicPreferences: map[string]int{
				"magic": 95, "lore": 85, "religion": 40,
			},
			Rank: "noble",
		},
	}, nil
}

// LoadRelationships returns the demo relationships.
func (BuiltinSource) LoadRelationships(context.Context) ([]model.Relationship, error) {
	return []model.Relationship{
		{PersonaA: "aria", PersonaB: "kira", Affinity: 0.6, Trust: 0.4, Respect: 0.5},
		{PersonaA: "aria", PersonaB: "wizard", Affinity: 0.3, Trust: 0.7, Respect: 0.9},
		{PersonaA: "kira", PersonaB: "wizard", Affinity: -0.2, Trust: 0.1, Respect: 0.4},
	}, nil
}
