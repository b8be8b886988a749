package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

func hashRow(oldHash string) pgx.Row {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = oldHash
		return nil
	}}
}

func TestTrialRepo_Upsert_ReportsContentChange(t *testing.T) {
	trial := &domain.Trial{
		TrialKey:    domain.MakeTrialKey(domain.RegistryCTGov, "NCT01234567"),
		Registry:    domain.RegistryCTGov,
		RegistryID:  "NCT01234567",
		Title:       "A Study of Something",
		Status:      domain.StatusRecruiting,
		Phase:       domain.Phase2,
		ContentHash: "hash-new",
	}

	// New row: no prior hash.
	repo := NewTrialRepo(&poolStub{rowQueue: []pgx.Row{hashRow("")}})
	changed, err := repo.Upsert(context.Background(), trial)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same hash: an untouched record.
	repo = NewTrialRepo(&poolStub{rowQueue: []pgx.Row{hashRow("hash-new")}})
	changed, err = repo.Upsert(context.Background(), trial)
	require.NoError(t, err)
	assert.False(t, changed)

	// Different hash: a modified record.
	repo = NewTrialRepo(&poolStub{rowQueue: []pgx.Row{hashRow("hash-old")}})
	changed, err = repo.Upsert(context.Background(), trial)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTrialRepo_Get_NotFound(t *testing.T) {
	repo := NewTrialRepo(&poolStub{})
	_, err := repo.Get(context.Background(), "ctgov:NCT00000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTrialRepo_GetMany_Empty(t *testing.T) {
	repo := NewTrialRepo(&poolStub{})
	out, err := repo.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestTrialRepo_TrigramCandidates_RejectsBadKey(t *testing.T) {
	repo := NewTrialRepo(&poolStub{})
	_, err := repo.TrigramCandidates(context.Background(), "no-colon", "some title", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTrialRepo_SharedIDCandidates_NoIDs(t *testing.T) {
	repo := NewTrialRepo(&poolStub{})
	out, err := repo.SharedIDCandidates(context.Background(), "ctgov:NCT01234567", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestTrialRepo_KeywordScores_EmptyKeys(t *testing.T) {
	repo := NewTrialRepo(&poolStub{})
	scores, err := repo.KeywordScores(context.Background(), "diabetes", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestTrialRepo_SetLocations_NotFound(t *testing.T) {
	pool := &poolStub{execTags: []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 0")}}
	repo := NewTrialRepo(pool)
	err := repo.SetLocations(context.Background(), "ctgov:NCT00000000", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPrefixTrialColumns(t *testing.T) {
	cols := prefixTrialColumns("t")
	assert.Contains(t, cols, "t.trial_key")
	assert.Contains(t, cols, "t.updated_at")
	assert.NotContains(t, cols, " registry,") // every column carries the alias
}
