package sqlrepo

import (
	"bytes"
	"context"
	"crypto/sha1"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
)

var tracer = otel.Tracer("hotload/repository/sqlrepo")

// DefaultTableName is the conventional repository table name.
const DefaultTableName = "script_repo"

// Config configures a sharded SQL repository.
type Config struct {
	RepositoryID string
	// Driver is a database/sql driver name; "postgres" (lib/pq) in
	// production, "sqlite3" for embedded use and tests.
	Driver string
	DSN    string
	// TableName defaults to DefaultTableName.
	TableName string
	// ShardCount fixes the hash partition count; it must not change for a
	// populated table. Defaults to 10.
	ShardCount int
	// FetchBatchSize bounds how many rows one fetch query requests.
	// Defaults to 10.
	FetchBatchSize int
	// OutputDir is where fetched archives are materialized.
	OutputDir string
	// Timeout bounds each repository operation. Defaults to 30s.
	Timeout time.Duration
	// SpecCodec serializes the module_spec column; defaults to JSON.
	SpecCodec module.SpecCodec
	// Clock supplies last-update stamps for archives without a create
	// time. Defaults to time.Now.
	Clock func() time.Time

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

func (cfg *Config) applyDefaults() {
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 10
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SpecCodec == nil {
		cfg.SpecCodec = &module.JSONSpecCodec{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
}

// Repository is the sharded SQL implementation of the persistence gateway.
type Repository struct {
	db  *sql.DB
	cfg Config
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// New opens a connection and verifies it.
func New(cfg Config) (*Repository, error) {
	cfg.applyDefaults()
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("sql repository requires driver and dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return Open(db, cfg), nil
}

// Open wraps an existing database handle; the caller keeps ownership of db
// lifecycle only when it did not come from New.
func Open(db *sql.DB, cfg Config) *Repository {
	cfg.applyDefaults()
	return &Repository{db: db, cfg: cfg}
}

// Close releases the connection pool.
func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) ID() string { return r.cfg.RepositoryID }

// Schema returns the DDL statements for the repository table and its shard
// index, in the dialect of the configured driver.
func (r *Repository) Schema() []string {
	blob := "BLOB"
	if r.cfg.Driver == "postgres" {
		blob = "BYTEA"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	module_id            TEXT PRIMARY KEY,
	shard_num            INTEGER NOT NULL,
	last_update          BIGINT NOT NULL,
	module_spec          TEXT NOT NULL,
	archive_content_hash %s NOT NULL,
	archive_content      %s NOT NULL,
	deploy_specs         TEXT
)`, r.cfg.TableName, blob, blob),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_shard ON %s (shard_num)`, r.cfg.TableName, r.cfg.TableName),
	}
}

// EnsureSchema creates the table and index if absent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range r.Schema() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// shardNum hash-partitions a module ID into [0, shardCount).
func shardNum(id module.ID, shardCount int) int {
	h := fnv.New64a()
	h.Write([]byte(id.String()))
	return int(h.Sum64() % uint64(shardCount))
}

// rebind rewrites ?-placeholders to $N for postgres.
func (r *Repository) rebind(query string) string {
	if r.cfg.Driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (r *Repository) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.Timeout)
}

// wrapErr maps deadline errors to the repository timeout sentinel.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, repository.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Insert upserts an archive row. Identical content with an equal or older
// create time is a no-op; a newer create time replaces the row.
func (r *Repository) Insert(ctx context.Context, a archive.Archive) error {
	return r.insert(ctx, a, nil, false)
}

// InsertWithDeploySpecs upserts an archive row together with deployment
// hints.
func (r *Repository) InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs repository.DeploySpecs) error {
	return r.insert(ctx, a, specs, true)
}

func (r *Repository) insert(ctx context.Context, a archive.Archive, specs repository.DeploySpecs, withSpecs bool) error {
	id := a.Spec().ID
	start := time.Now()
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Insert",
		trace.WithAttributes(
			attribute.String("db.table", r.cfg.TableName),
			attribute.String("module.id", id.String()),
		),
	)
	defer span.End()

	status := "ok"
	defer func() {
		r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "insert", status, time.Since(start))
	}()

	var content bytes.Buffer
	if err := archive.WriteJar(&content, a, nil); err != nil {
		status = "error"
		return err
	}
	contentHash := sha1.Sum(content.Bytes())

	lastUpdate := a.CreateTime().UnixMilli()
	if a.CreateTime().IsZero() {
		lastUpdate = r.cfg.Clock().UnixMilli()
	}

	var storedUpdate int64
	var storedHash []byte
	query := fmt.Sprintf("SELECT last_update, archive_content_hash FROM %s WHERE module_id = ?", r.cfg.TableName)
	err := r.db.QueryRowContext(ctx, r.rebind(query), id.String()).Scan(&storedUpdate, &storedHash)
	switch {
	case err == nil:
		if bytes.Equal(storedHash, contentHash[:]) && storedUpdate >= lastUpdate {
			span.SetStatus(codes.Ok, "no-op insert")
			return nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// first insert
	default:
		status = "error"
		span.RecordError(err)
		return wrapErr("insert lookup", err)
	}

	specText, err := r.cfg.SpecCodec.Encode(a.Spec())
	if err != nil {
		status = "error"
		return err
	}

	var deployText any
	if withSpecs {
		data, err := encodeDeploySpecs(specs)
		if err != nil {
			status = "error"
			return err
		}
		deployText = data
	}

	upsert := fmt.Sprintf(`INSERT INTO %s
	(module_id, shard_num, last_update, module_spec, archive_content_hash, archive_content, deploy_specs)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (module_id) DO UPDATE SET
	shard_num = excluded.shard_num,
	last_update = excluded.last_update,
	module_spec = excluded.module_spec,
	archive_content_hash = excluded.archive_content_hash,
	archive_content = excluded.archive_content,
	deploy_specs = excluded.deploy_specs`, r.cfg.TableName)

	_, err = r.db.ExecContext(ctx, r.rebind(upsert),
		id.String(),
		shardNum(id, r.cfg.ShardCount),
		lastUpdate,
		string(specText),
		contentHash[:],
		content.Bytes(),
		deployText,
	)
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return wrapErr("insert", err)
	}
	span.SetStatus(codes.Ok, "inserted")
	return nil
}

// PutDeploySpecs replaces the deployment hints of a stored archive.
func (r *Repository) PutDeploySpecs(ctx context.Context, id module.ID, specs repository.DeploySpecs) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := encodeDeploySpecs(specs)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET deploy_specs = ? WHERE module_id = ?", r.cfg.TableName)
	res, err := r.db.ExecContext(ctx, r.rebind(query), data, id.String())
	if err != nil {
		return wrapErr("put deploy specs", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes an archive row.
func (r *Repository) Delete(ctx context.Context, id module.ID) error {
	start := time.Now()
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE module_id = ?", r.cfg.TableName)
	res, err := r.db.ExecContext(ctx, r.rebind(query), id.String())
	if err != nil {
		r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "delete", "error", time.Since(start))
		return wrapErr("delete", err)
	}
	r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "delete", "ok", time.Since(start))
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Fetch reads full rows in configured batches, verifies each row's content
// hash, and materializes verified archives under the output directory. Rows
// whose stored hash does not match their payload are skipped with a
// warning, never propagated as errors.
func (r *Repository) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	start := time.Now()
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Fetch",
		trace.WithAttributes(
			attribute.String("db.table", r.cfg.TableName),
			attribute.Int("fetch.count", len(ids)),
		),
	)
	defer span.End()

	out := make([]archive.Archive, 0, len(ids))
	for batchStart := 0; batchStart < len(ids); batchStart += r.cfg.FetchBatchSize {
		end := batchStart + r.cfg.FetchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := r.fetchBatch(ctx, ids[batchStart:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "fetch", "error", time.Since(start))
			return nil, err
		}
		out = append(out, batch...)
	}
	r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "fetch", "ok", time.Since(start))
	span.SetStatus(codes.Ok, "fetched")
	return out, nil
}

func (r *Repository) fetchBatch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf(
		"SELECT module_id, last_update, module_spec, archive_content_hash, archive_content FROM %s WHERE module_id IN (%s)",
		r.cfg.TableName, placeholders)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, wrapErr("fetch", err)
	}
	defer rows.Close()

	var out []archive.Archive
	for rows.Next() {
		var (
			rawID      string
			lastUpdate int64
			specText   string
			storedHash []byte
			content    []byte
		)
		if err := rows.Scan(&rawID, &lastUpdate, &specText, &storedHash, &content); err != nil {
			return nil, wrapErr("fetch scan", err)
		}

		computed := sha1.Sum(content)
		if !bytes.Equal(computed[:], storedHash) {
			r.cfg.Logger.WithField("module", rawID).Warn("archive content hash mismatch, row skipped")
			continue
		}

		spec, err := r.cfg.SpecCodec.Decode([]byte(specText))
		if err != nil {
			r.cfg.Logger.WithError(err).WithField("module", rawID).Warn("unparseable module spec, row skipped")
			continue
		}

		a, err := r.materialize(spec, content, lastUpdate)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// materialize extracts a verified content blob under the output directory
// and returns a path archive over it.
func (r *Repository) materialize(spec *module.Spec, content []byte, lastUpdate int64) (archive.Archive, error) {
	entries, err := archive.EntriesFromZip(content)
	if err != nil {
		return nil, err
	}
	createTime := time.UnixMilli(lastUpdate)
	mem, err := archive.NewMemArchive(spec, entries, createTime)
	if err != nil {
		return nil, err
	}
	if r.cfg.OutputDir == "" {
		return mem, nil
	}
	dir := filepath.Join(r.cfg.OutputDir, spec.ID.String())
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear output directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := archive.Extract(mem, dir); err != nil {
		return nil, err
	}
	return archive.NewPathArchive(dir,
		archive.WithPathSpec(spec),
		archive.WithPathCreateTime(createTime),
	)
}

func (r *Repository) DefaultView() repository.View {
	return &shardedView{repo: r}
}

func (r *Repository) View(name string) (repository.View, error) {
	if name == repository.DefaultViewName {
		return r.DefaultView(), nil
	}
	return nil, repository.ErrUnsupportedView
}

func encodeDeploySpecs(specs repository.DeploySpecs) (string, error) {
	if specs == nil {
		return "{}", nil
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for k, v := range specs {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%q:%s", k, string(v))
	}
	sb.WriteByte('}')
	return sb.String(), nil
}

// shardedView scans update times one shard at a time. Shard order is
// randomized per poll to spread load across many polling clients, and shard
// queries run concurrently with results merged in completion order; no
// ordering across shards is required.
type shardedView struct {
	repo *Repository
}

func (v *shardedView) Name() string { return repository.DefaultViewName }

func (v *shardedView) UpdateTimes(ctx context.Context) (map[module.ID]int64, error) {
	r := v.repo
	start := time.Now()
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "UpdateTimes",
		trace.WithAttributes(
			attribute.String("db.table", r.cfg.TableName),
			attribute.Int("shard.count", r.cfg.ShardCount),
		),
	)
	defer span.End()

	times, err := scanShards(ctx, r, rand.Perm(r.cfg.ShardCount))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "poll", "error", time.Since(start))
		return nil, err
	}
	r.cfg.Metrics.ObserveRepositoryOp(r.cfg.RepositoryID, "poll", "ok", time.Since(start))
	span.SetStatus(codes.Ok, "polled")
	return times, nil
}

func (v *shardedView) Summary(ctx context.Context) (repository.RepositorySummary, error) {
	times, err := v.UpdateTimes(ctx)
	if err != nil {
		return repository.RepositorySummary{}, err
	}
	return repository.SummarizeUpdateTimes(v.repo.cfg.RepositoryID, v.Name(), times), nil
}

func (v *shardedView) ArchiveSummaries(ctx context.Context) ([]repository.ArchiveSummary, error) {
	r := v.repo
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT module_id, last_update, module_spec FROM %s", r.cfg.TableName)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr("archive summaries", err)
	}
	defer rows.Close()

	var summaries []repository.ArchiveSummary
	for rows.Next() {
		var (
			rawID      string
			lastUpdate int64
			specText   string
		)
		if err := rows.Scan(&rawID, &lastUpdate, &specText); err != nil {
			return nil, wrapErr("archive summaries scan", err)
		}
		id, err := module.ParseID(rawID)
		if err != nil {
			continue
		}
		summary := repository.ArchiveSummary{Module: id, LastUpdate: lastUpdate}
		if spec, err := r.cfg.SpecCodec.Decode([]byte(specText)); err == nil {
			summary.Spec = spec
		}
		summaries = append(summaries, summary)
	}
	repository.SortSummaries(summaries)
	return summaries, rows.Err()
}
