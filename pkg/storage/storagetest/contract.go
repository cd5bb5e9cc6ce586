// Package storagetest holds the behavioral checks every audit.Store
// implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/auditdiff/pkg/audit"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) audit.Store

// Options tunes the contract for slower backends.
type Options struct {
	// Concurrent is the number of parallel saves in the uniqueness check.
	Concurrent int
	// Sequential is the number of saves in the ordering check.
	Sequential int
}

func (o Options) withDefaults() Options {
	if o.Concurrent <= 0 {
		o.Concurrent = 50
	}
	if o.Sequential <= 0 {
		o.Sequential = 20
	}
	return o
}

// RunContract runs the shared Store checks against stores built by newStore.
func RunContract(t *testing.T, newStore Factory, opts Options) {
	opts = opts.withDefaults()

	t.Run("SaveAssignsIDAndKeepsFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		changes := audit.ComputeChanges(
			audit.ObjectOf("name", "Alice", "age", 30, "tags", []any{"a"}),
			audit.ObjectOf("name", "Bob", "age", 30, "tags", []any{"a", "<b>"}),
			nil,
		)
		input := audit.New("https://app.example", "agent/1.0", changes)

		saved, err := store.Save(ctx, input)
		require.NoError(t, err)
		assert.True(t, saved.Persisted())
		assert.False(t, input.Persisted())

		audits, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, audits, 1)

		got := audits[0]
		assert.Equal(t, saved.ID, got.ID)
		assert.Equal(t, "https://app.example", got.Origin)
		assert.Equal(t, "agent/1.0", got.UserAgent)
		assert.Equal(t, []string{"name", "tags"}, got.Changes.Fields())

		entry, ok := got.Changes.Get("tags")
		require.True(t, ok)
		assert.Equal(t, audit.ChangeEntry{Old: `["a"]`, New: `["a","<b>"]`}, entry)
	})

	t.Run("RejectsPersistedAudit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		saved, err := store.Save(ctx, audit.New("o", "ua", audit.NewChangeSet()))
		require.NoError(t, err)

		_, err = store.Save(ctx, saved)
		assert.ErrorIs(t, err, audit.ErrAlreadyPersisted)

		audits, err := store.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, audits, 1)
	})

	t.Run("EmptyListing", func(t *testing.T) {
		audits, err := newStore(t).ListAll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, audits)
	})

	t.Run("SequentialSavesListedInOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		ids := make([]uuid.UUID, 0, opts.Sequential)
		for i := 0; i < opts.Sequential; i++ {
			saved, err := store.Save(ctx, audit.New(fmt.Sprintf("origin-%d", i), "ua", audit.NewChangeSet()))
			require.NoError(t, err)
			ids = append(ids, saved.ID.UUID)
		}

		audits, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, audits, opts.Sequential)
		for i, a := range audits {
			assert.Equal(t, ids[i], a.ID.UUID, "position %d", i)
			assert.Equal(t, fmt.Sprintf("origin-%d", i), a.Origin)
		}
	})

	t.Run("ConcurrentSavesHaveDistinctIDs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		ids := make([]uuid.UUID, opts.Concurrent)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < opts.Concurrent; i++ {
			i := i
			g.Go(func() error {
				saved, err := store.Save(gctx, audit.New(fmt.Sprintf("origin-%d", i), "ua", audit.NewChangeSet()))
				if err != nil {
					return err
				}
				ids[i] = saved.ID.UUID
				return nil
			})
		}
		require.NoError(t, g.Wait())

		seen := make(map[uuid.UUID]struct{}, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, opts.Concurrent)

		audits, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, audits, opts.Concurrent)
		for _, a := range audits {
			_, ok := seen[a.ID.UUID]
			assert.True(t, ok, "listed id %s was never returned by Save", a.ID.UUID)
		}
	})

	t.Run("ListingIsSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Save(ctx, audit.New("first", "ua", audit.NewChangeSet()))
		require.NoError(t, err)

		snapshot, err := store.ListAll(ctx)
		require.NoError(t, err)

		_, err = store.Save(ctx, audit.New("second", "ua", audit.NewChangeSet()))
		require.NoError(t, err)

		assert.Len(t, snapshot, 1)
	})
}
