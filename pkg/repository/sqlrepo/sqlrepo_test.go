package sqlrepo

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/repository"
)

func newSQLiteRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(Config{
		RepositoryID:   "test-sql",
		Driver:         "sqlite3",
		DSN:            filepath.Join(t.TempDir(), "repo.db"),
		ShardCount:     4,
		FetchBatchSize: 2,
		OutputDir:      t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

func testArchive(t *testing.T, id string, createTime time.Time, entries map[string]string) archive.Archive {
	t.Helper()
	mid, err := module.ParseID(id)
	require.NoError(t, err)
	spec := module.NewSpec(mid)
	spec.CompilerPluginIDs = []string{"goja"}
	raw := make(map[string][]byte, len(entries))
	for name, content := range entries {
		raw[name] = []byte(content)
	}
	a, err := archive.NewMemArchive(spec, raw, createTime)
	require.NoError(t, err)
	return a
}

func TestShardNum(t *testing.T) {
	counts := make(map[int]int)
	for i := 0; i < 100; i++ {
		id := module.NewID(fmt.Sprintf("mod%d", i), "v1")
		shard := shardNum(id, 10)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 10)
		assert.Equal(t, shard, shardNum(id, 10), "shard assignment must be stable")
		counts[shard]++
	}
	assert.Greater(t, len(counts), 1, "hash must spread modules across shards")
}

func TestRebind(t *testing.T) {
	pg := Open(nil, Config{Driver: "postgres", RepositoryID: "pg"})
	assert.Equal(t, "SELECT x FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT x FROM t WHERE a = ? AND b = ?"))

	lite := Open(nil, Config{Driver: "sqlite3", RepositoryID: "lite"})
	assert.Equal(t, "SELECT x FROM t WHERE a = ?", lite.rebind("SELECT x FROM t WHERE a = ?"))
}

func TestSQLiteInsertFetchRoundTrip(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	a := testArchive(t, "hello.v1", time.Unix(100, 0), map[string]string{
		"hello.js":    "exports.x = 1;",
		"sub/res.txt": "res",
	})
	require.NoError(t, repo.Insert(ctx, a))

	fetched, err := repo.Fetch(ctx, []module.ID{module.NewID("hello", "v1")})
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	got := fetched[0]
	assert.Equal(t, module.NewID("hello", "v1"), got.Spec().ID)
	assert.Equal(t, []string{"goja"}, got.Spec().CompilerPluginIDs)
	assert.Equal(t, a.Entries(), got.Entries())

	srcHash, err := archive.ContentHash(a)
	require.NoError(t, err)
	gotHash, err := archive.ContentHash(got)
	require.NoError(t, err)
	assert.True(t, archive.HashesEqual(srcHash, gotHash))
}

func TestSQLiteBatchedFetch(t *testing.T) {
	repo := newSQLiteRepo(t) // FetchBatchSize 2
	ctx := context.Background()

	var ids []module.ID
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("mod%d.v1", i)
		require.NoError(t, repo.Insert(ctx, testArchive(t, id, time.Unix(100, 0), map[string]string{"a.js": "x"})))
		mid, err := module.ParseID(id)
		require.NoError(t, err)
		ids = append(ids, mid)
	}

	fetched, err := repo.Fetch(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, fetched, 5)
}

func TestSQLiteIdempotentInsert(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	a := testArchive(t, "m.v1", time.Unix(100, 0), map[string]string{"m.js": "x"})
	require.NoError(t, repo.Insert(ctx, a))
	times1, err := repo.DefaultView().UpdateTimes(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.Insert(ctx, a))
	times2, err := repo.DefaultView().UpdateTimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, times1, times2, "identical re-insert must be a no-op")

	newer := testArchive(t, "m.v1", time.Unix(250, 0), map[string]string{"m.js": "y"})
	require.NoError(t, repo.Insert(ctx, newer))
	times3, err := repo.DefaultView().UpdateTimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(250, 0).UnixMilli(), times3[module.NewID("m", "v1")])
}

func TestSQLiteShardedPoll(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	want := make(map[module.ID]int64)
	for i := 0; i < 20; i++ {
		id := module.NewID(fmt.Sprintf("mod%d", i), "v1")
		ts := time.Unix(int64(100+i), 0)
		require.NoError(t, repo.Insert(ctx, testArchive(t, id.String(), ts, map[string]string{"a.js": "x"})))
		want[id] = ts.UnixMilli()
	}

	times, err := repo.DefaultView().UpdateTimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, times, "sharded scan must cover every row exactly once")
}

func TestSQLiteContentHashMismatchSkipped(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testArchive(t, "good.v1", time.Unix(100, 0), map[string]string{"g.js": "x"})))
	require.NoError(t, repo.Insert(ctx, testArchive(t, "bad.v1", time.Unix(100, 0), map[string]string{"b.js": "y"})))

	// corrupt one payload behind the repository's back
	_, err := repo.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET archive_content = ? WHERE module_id = ?", repo.cfg.TableName),
		[]byte{0xde, 0xad}, "bad.v1")
	require.NoError(t, err)

	fetched, err := repo.Fetch(ctx, []module.ID{module.NewID("good", "v1"), module.NewID("bad", "v1")})
	require.NoError(t, err, "hash mismatch must not propagate as an error")
	require.Len(t, fetched, 1)
	assert.Equal(t, module.NewID("good", "v1"), fetched[0].Spec().ID)
}

func TestSQLiteStoredHashMatchesContent(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testArchive(t, "m.v1", time.Unix(100, 0), map[string]string{"m.js": "x"})))

	var storedHash, content []byte
	row := repo.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT archive_content_hash, archive_content FROM %s WHERE module_id = ?", repo.cfg.TableName),
		"m.v1")
	require.NoError(t, row.Scan(&storedHash, &content))

	computed := sha1.Sum(content)
	assert.True(t, bytes.Equal(computed[:], storedHash))
	assert.Len(t, storedHash, 20)
}

func TestSQLiteDeleteAndDeploySpecs(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	a := testArchive(t, "m.v1", time.Unix(100, 0), map[string]string{"m.js": "x"})
	require.NoError(t, repo.InsertWithDeploySpecs(ctx, a, repository.DeploySpecs{"region": []byte(`"us-east-1"`)}))
	require.NoError(t, repo.PutDeploySpecs(ctx, module.NewID("m", "v1"), repository.DeploySpecs{"region": []byte(`"eu-west-1"`)}))
	assert.ErrorIs(t, repo.PutDeploySpecs(ctx, module.NewID("ghost", "v1"), nil), repository.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, module.NewID("m", "v1")))
	assert.ErrorIs(t, repo.Delete(ctx, module.NewID("m", "v1")), repository.ErrNotFound)
}

func TestSQLiteArchiveSummaries(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testArchive(t, "a.v1", time.Unix(100, 0), map[string]string{"a.js": "x"})))
	require.NoError(t, repo.Insert(ctx, testArchive(t, "b.v1", time.Unix(200, 0), map[string]string{"b.js": "y"})))

	summaries, err := repo.DefaultView().ArchiveSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, module.NewID("a", "v1"), summaries[0].Module)
	require.NotNil(t, summaries[0].Spec)

	summary, err := repo.DefaultView().Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ArchiveCount)
	assert.Equal(t, time.Unix(200, 0).UnixMilli(), summary.LastUpdated)

	_, err = repo.View("named")
	assert.ErrorIs(t, err, repository.ErrUnsupportedView)
}

func TestInsertNoOpQueriesOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := Open(db, Config{RepositoryID: "mock"})

	a := testArchive(t, "m.v1", time.Unix(100, 0), map[string]string{"m.js": "x"})
	var content bytes.Buffer
	require.NoError(t, archive.WriteJar(&content, a, nil))
	hash := sha1.Sum(content.Bytes())

	// stored row is newer with identical content: insert must stop after
	// the lookup and never issue the upsert
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_update, archive_content_hash FROM script_repo WHERE module_id = ?")).
		WithArgs("m.v1").
		WillReturnRows(sqlmock.NewRows([]string{"last_update", "archive_content_hash"}).
			AddRow(time.Unix(500, 0).UnixMilli(), hash[:]))

	require.NoError(t, repo.Insert(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}
