// Command seedpersonas loads persona and relationship definitions into
// Postgres so a database-backed deployment starts with a cast. Without
// arguments it seeds the built-in demo personas; pass a JSON file in the
// KIOKU_PERSONAS_FILE format to seed your own.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/seedpersonas [personas.json]
//
// Safe to run multiple times — personas and relationships are upserted by id.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	var source persona.Source = persona.BuiltinSource{}
	if len(os.Args) > 1 {
		source = persona.FileSource{Path: os.Args[1]}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.New(ctx, dbURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	personas, err := source.LoadPersonas(ctx)
	if err != nil {
		return err
	}
	for _, p := range personas {
		if err := db.UpsertPersona(ctx, p); err != nil {
			return fmt.Errorf("upsert persona %s: %w", p.ID, err)
		}
		fmt.Printf("persona %s (%s)\n", p.ID, p.Name)
	}

	relationships, err := source.LoadRelationships(ctx)
	if err != nil {
		return err
	}
	for _, r := range relationships {
		if err := db.UpsertRelationship(ctx, r); err != nil {
			return fmt.Errorf("upsert relationship %s-%s: %w", r.PersonaA, r.PersonaB, err)
		}
		fmt.Printf("relationship %s-%s (affinity %.1f)\n", r.PersonaA, r.PersonaB, r.Affinity)
	}

	fmt.Printf("seeded %d personas, %d relationships\n", len(personas), len(relationships))
	return nil
}
