package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func seedPersona(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, testDB.UpsertPersona(context.Background(), model.Persona{
		ID:               id,
		Name:             id,
		Rank:             "scholar",
		Traits:           map[string]float64{"curiosity": 0.8},
		TopicPreferences: map[string]int{"magic": 80},
	}))
}

func TestPersonaRoundTrip(t *testing.T) {
	ctx := context.Background()
	seedPersona(t, "aria")

	p, err := testDB.GetPersona(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, "aria", p.ID)
	assert.Equal(t, "scholar", p.Rank)
	assert.Equal(t, 80, p.TopicPreferences["magic"])
	assert.InDelta(t, 0.8, p.Traits["curiosity"], 1e-9)
	assert.False(t, p.CreatedAt.IsZero())

	p.Name = "Aria"
	p.TopicPreferences["lore"] = 70
	require.NoError(t, testDB.UpsertPersona(ctx, p))

	p, err = testDB.GetPersona(ctx, "aria")
	require.NoError(t, err)
	assert.Equal(t, "Aria", p.Name)
	assert.Equal(t, 70, p.TopicPreferences["lore"])

	personas, err := testDB.LoadPersonas(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, personas)
}

func TestPersonaNotFound(t *testing.T) {
	_, err := testDB.GetPersona(context.Background(), "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.DeletePersona(context.Background(), "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersonaIDFormatEnforced(t *testing.T) {
	err := testDB.UpsertPersona(context.Background(), model.Persona{ID: "Bad ID!", Name: "x"})
	assert.Error(t, err)
}

func TestRelationshipPairIsUnordered(t *testing.T) {
	ctx := context.Background()
	seedPersona(t, "kira")
	seedPersona(t, "wizard")

	// Stored reversed; the layer normalizes the pair ordering.
	require.NoError(t, testDB.UpsertRelationship(ctx, model.Relationship{
		PersonaA:        "wizard",
		PersonaB:        "kira",
		Affinity:        0.5,
		Trust:           0.2,
		Respect:         0.1,
		LastInteraction: time.Now().UTC(),
	}))

	rels, err := testDB.LoadRelationships(ctx)
	require.NoError(t, err)

	var found *model.Relationship
	for i := range rels {
		if rels[i].PersonaA == "kira" && rels[i].PersonaB == "wizard" {
			found = &rels[i]
		}
	}
	require.NotNil(t, found)
	assert.InDelta(t, 0.5, found.Affinity, 1e-9)

	// Upserting the same unordered pair updates in place.
	require.NoError(t, testDB.UpsertRelationship(ctx, model.Relationship{
		PersonaA:        "kira",
		PersonaB:        "wizard",
		Affinity:        0.9,
		LastInteraction: time.Now().UTC(),
	}))
	rels, err = testDB.LoadRelationships(ctx)
	require.NoError(t, err)
	count := 0
	for _, r := range rels {
		if r.PersonaA == "kira" && r.PersonaB == "wizard" {
			count++
			assert.InDelta(t, 0.9, r.Affinity, 1e-9)
		}
	}
	assert.Equal(t, 1, count)
}

func TestRelationshipRejectsSelfPair(t *testing.T) {
	err := testDB.UpsertRelationship(context.Background(), model.Relationship{
		PersonaA: "aria", PersonaB: "aria",
	})
	assert.Error(t, err)
}

func TestDeletePersonaCascadesRelationships(t *testing.T) {
	ctx := context.Background()
	seedPersona(t, "mira")
	seedPersona(t, "nox")
	require.NoError(t, testDB.UpsertRelationship(ctx, model.Relationship{
		PersonaA: "mira", PersonaB: "nox", Affinity: 0.3, LastInteraction: time.Now().UTC(),
	}))

	require.NoError(t, testDB.DeletePersona(ctx, "mira"))

	rels, err := testDB.LoadRelationships(ctx)
	require.NoError(t, err)
	for _, r := range rels {
		assert.NotEqual(t, "mira", r.PersonaA)
		assert.NotEqual(t, "mira", r.PersonaB)
	}
}
