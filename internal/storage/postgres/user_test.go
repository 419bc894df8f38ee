package postgres_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvtt/vttserver/internal/storage/postgres"
	"github.com/openvtt/vttserver/internal/testutil"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func TestUserRepository_Create(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	name := uniqueName("alice")
	user, err := repo.Create(ctx, name)
	require.NoError(t, err)
	assert.Positive(t, user.ID)
	assert.Equal(t, name, user.Name)
	assert.Nil(t, user.Label)
}

func TestUserRepository_CreateDuplicate(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	name := uniqueName("alice")
	_, err := repo.Create(ctx, name)
	require.NoError(t, err)

	_, err = repo.Create(ctx, name)
	assert.ErrorIs(t, err, postgres.ErrUserExists)
}

func TestUserRepository_GetByName(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	name := uniqueName("bob")
	created, err := repo.Create(ctx, name)
	require.NoError(t, err)

	got, err := repo.GetByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.GetByName(ctx, uniqueName("nobody"))
	assert.ErrorIs(t, err, postgres.ErrUserNotFound)
}

func TestUserRepository_GetByID(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	created, err := repo.Create(ctx, uniqueName("carol"))
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)

	_, err = repo.GetByID(ctx, created.ID+100000)
	assert.ErrorIs(t, err, postgres.ErrUserNotFound)
}

func TestUserRepository_FindOrCreate(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	name := uniqueName("dave")
	first, err := repo.FindOrCreate(ctx, name)
	require.NoError(t, err)

	second, err := repo.FindOrCreate(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "the same name must map to the same row")
}

func TestUserRepository_List(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewUserRepository(pool)
	ctx := context.Background()

	a, err := repo.Create(ctx, uniqueName("list-a"))
	require.NoError(t, err)
	b, err := repo.Create(ctx, uniqueName("list-b"))
	require.NoError(t, err)

	users, err := repo.List(ctx)
	require.NoError(t, err)

	ids := make(map[int64]bool, len(users))
	for _, u := range users {
		ids[u.ID] = true
	}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
}

func TestUser_DisplayName(t *testing.T) {
	label := "The Storyteller"
	tests := []struct {
		name string
		user postgres.User
		want string
	}{
		{"no label", postgres.User{Name: "alice"}, "alice"},
		{"with label", postgres.User{Name: "alice", Label: &label}, "The Storyteller"},
		{"empty label", postgres.User{Name: "alice", Label: new(string)}, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.DisplayName())
		})
	}
}
