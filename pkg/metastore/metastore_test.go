package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

func setupTestStore(t *testing.T) metastore.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := metastore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func putArchive(t *testing.T, s metastore.Store, id string) {
	t.Helper()

	require.NoError(t, s.PutArchive(context.Background(), &metastore.Archive{
		ArchiveID: id,
		FilePath:  id + ".zip",
		Size:      128,
		GitOwner:  "octo",
		GitRepo:   "demo",
		CreatedAt: time.Now().UTC(),
	}))
}

func TestStore_PutArchiveRejectsDuplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_abc123def456")

	err := s.PutArchive(ctx, &metastore.Archive{
		ArchiveID: "octo_demo_abc123def456",
		FilePath:  "elsewhere.zip",
	})
	require.ErrorIs(t, err, metastore.ErrDuplicateArchive)

	// The original record is untouched.
	a, err := s.GetArchive(ctx, "octo_demo_abc123def456")
	require.NoError(t, err)
	assert.Equal(t, "octo_demo_abc123def456.zip", a.FilePath)

	count, err := s.CountArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_PutResultRequiresKnownArchive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.PutResult(ctx, &metastore.Result{
		QueryPack: "codeql-all",
		ArchiveID: "nobody_nothing_000000000000",
		ResultURL: "https://hepc.example/db/x.zip",
	})
	require.ErrorIs(t, err, metastore.ErrUnknownArchive)

	putArchive(t, s, "octo_demo_aaa111bbb222")

	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa111bbb222",
		ResultURL:  "https://hepc.example/db/octo_demo_aaa111bbb222.zip",
		ProducedAt: time.Now().UTC(),
	}))
}

func TestStore_PutResultUpserts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_aaa111bbb222")

	first := &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa111bbb222",
		ResultURL:  "https://hepc.example/db/a.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}
	require.NoError(t, s.PutResult(ctx, first))
	require.NoError(t, s.PutResult(ctx, first))

	results, err := s.ResultsByPack(ctx, "codeql-all")
	require.NoError(t, err)
	require.Len(t, results, 1, "upsert must not duplicate the row")
}

func TestStore_LatestResultMaximality(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_old000000000")
	putArchive(t, s, "octo_demo_new000000000")

	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_old000000000",
		ResultURL:  "https://hepc.example/db/old.zip",
		ProducedAt: time.Unix(1000, 0).UTC(),
	}))
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_new000000000",
		ResultURL:  "https://hepc.example/db/new.zip",
		ProducedAt: time.Unix(2000, 0).UTC(),
	}))

	latest, err := s.LatestResult(ctx, "codeql-all")
	require.NoError(t, err)
	assert.Equal(t, "octo_demo_new000000000", latest.ArchiveID)

	// All other results for the pack have produced_at <= latest.
	results, err := s.ResultsByPack(ctx, "codeql-all")
	require.NoError(t, err)

	for _, r := range results {
		assert.False(t, r.ProducedAt.After(latest.ProducedAt))
	}
}

func TestStore_LatestResultTieBreak(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ts := time.Unix(5000, 0).UTC()

	putArchive(t, s, "octo_demo_bbb000000000")
	putArchive(t, s, "octo_demo_aaa000000000")

	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_bbb000000000",
		ResultURL:  "https://hepc.example/db/b.zip",
		ProducedAt: ts,
	}))
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://hepc.example/db/a.zip",
		ProducedAt: ts,
	}))

	// Equal produced_at: the lexically smallest archive_id wins.
	latest, err := s.LatestResult(ctx, "codeql-all")
	require.NoError(t, err)
	assert.Equal(t, "octo_demo_aaa000000000", latest.ArchiveID)
}

func TestStore_LatestResultNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.LatestResult(context.Background(), "no-such-pack")
	require.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestStore_AllLatestResultsAndQueryPacks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_aaa000000000")
	putArchive(t, s, "octo_demo_bbb000000000")

	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "security-extended",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://hepc.example/db/a.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}))
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_bbb000000000",
		ResultURL:  "https://hepc.example/db/b.zip",
		ProducedAt: time.Unix(200, 0).UTC(),
	}))

	packs, err := s.ListQueryPacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"codeql-all", "security-extended"}, packs)

	latest, err := s.AllLatestResults(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "codeql-all", latest[0].QueryPack)
	assert.Equal(t, "security-extended", latest[1].QueryPack)
}

func TestStore_RewriteURLPrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_aaa000000000")
	putArchive(t, s, "octo_demo_bbb000000000")

	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://old.example/values/x.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}))
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_bbb000000000",
		ResultURL:  "https://other.example/values/y.zip",
		ProducedAt: time.Unix(200, 0).UTC(),
	}))

	count, err := s.RewriteURLPrefix(
		ctx, "https://old.example/values", "https://new.example/v",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	results, err := s.ResultsByPack(ctx, "codeql-all")
	require.NoError(t, err)

	urls := make(map[string]string, len(results))
	for _, r := range results {
		urls[r.ArchiveID] = r.ResultURL
	}

	assert.Equal(t, "https://new.example/v/x.zip",
		urls["octo_demo_aaa000000000"])
	assert.Equal(t, "https://other.example/values/y.zip",
		urls["octo_demo_bbb000000000"], "non-matching records untouched")

	// Replaying the identical rewrite is a no-op.
	count, err = s.RewriteURLPrefix(
		ctx, "https://old.example/values", "https://new.example/v",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStore_RecordAdmission(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	archive := &metastore.Archive{
		ArchiveID: "octo_demo_aaa000000000",
		FilePath:  "octo_demo_aaa000000000.zip",
		Size:      128,
		CreatedAt: time.Now().UTC(),
	}
	result := &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://hepc.example/db/octo_demo_aaa000000000.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}

	require.NoError(t, s.RecordAdmission(ctx, archive, result))

	ok, err := s.HasArchive(ctx, "octo_demo_aaa000000000")
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := s.LatestResult(ctx, "codeql-all")
	require.NoError(t, err)
	assert.Equal(t, result.ResultURL, latest.ResultURL)

	// A second admission of the same id is rejected as a whole.
	err = s.RecordAdmission(ctx, archive, result)
	require.ErrorIs(t, err, metastore.ErrDuplicateArchive)

	results, err := s.ResultsByPack(ctx, "codeql-all")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestStore_RewriteURLPrefixMultibyte(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_aaa000000000")
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://höst.example/wärte/x.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}))

	count, err := s.RewriteURLPrefix(
		ctx, "https://höst.example/wärte", "https://new.example/v",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	latest, err := s.LatestResult(ctx, "codeql-all")
	require.NoError(t, err)
	assert.Equal(t, "https://new.example/v/x.zip", latest.ResultURL,
		"prefix length is counted in characters, not bytes")
}

func TestStore_RewriteURLPrefixLiteralMatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, s, "octo_demo_aaa000000000")
	putArchive(t, s, "octo_demo_bbb000000000")

	// A prefix containing LIKE metacharacters must match literally.
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://old.example/a_b/x.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}))
	require.NoError(t, s.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_bbb000000000",
		ResultURL:  "https://old.example/aXb/y.zip",
		ProducedAt: time.Unix(200, 0).UTC(),
	}))

	count, err := s.RewriteURLPrefix(
		ctx, "https://old.example/a_b", "https://new.example/ab",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "underscore must not act as a wildcard")

	// Case differences never match.
	count, err = s.RewriteURLPrefix(
		ctx, "HTTPS://OLD.EXAMPLE", "https://nope.example",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestHandle_Swap(t *testing.T) {
	a := setupTestStore(t)
	b := setupTestStore(t)
	ctx := context.Background()

	putArchive(t, a, "octo_demo_aaa000000000")
	require.NoError(t, a.PutResult(ctx, &metastore.Result{
		QueryPack:  "codeql-all",
		ArchiveID:  "octo_demo_aaa000000000",
		ResultURL:  "https://hepc.example/db/a.zip",
		ProducedAt: time.Unix(100, 0).UTC(),
	}))

	h := metastore.NewHandle(a)

	packs, err := h.Load().ListQueryPacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"codeql-all"}, packs)

	old := h.Swap(b)
	assert.Equal(t, a, old)

	packs, err = h.Load().ListQueryPacks(ctx)
	require.NoError(t, err)
	assert.Empty(t, packs)
}
