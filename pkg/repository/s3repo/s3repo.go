// Package s3repo stores one jar per module in an S3 bucket. Object
// metadata carries the content hash and create time used for idempotent
// inserts; views are derived from bucket listings.
package s3repo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/async"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
)

const (
	metaContentHash = "archive-content-hash"
	metaCreateTime  = "archive-create-time"

	specCacheSize       = 256
	summaryFetchWorkers = 8
)

// Config configures an S3 repository.
type Config struct {
	RepositoryID string
	// Endpoint overrides the AWS endpoint (MinIO or localstack).
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// OutputDir is where fetched jars are materialized.
	OutputDir string
	SpecCodec module.SpecCodec

	Logger *logrus.Logger
}

// Repository is the S3-backed implementation of the persistence gateway.
type Repository struct {
	client    *s3.Client
	cfg       Config
	codec     module.SpecCodec
	log       *logrus.Logger
	specCache *lru.Cache[string, *module.Spec] // keyed by object ETag
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// New builds the S3 client and ensures the bucket exists (for local
// development against MinIO).
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 repository requires a bucket")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := createBucketIfNotExists(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return newWithClient(client, cfg)
}

func newWithClient(client *s3.Client, cfg Config) (*Repository, error) {
	cache, err := lru.New[string, *module.Spec](specCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		client:    client,
		cfg:       cfg,
		codec:     cfg.SpecCodec,
		log:       cfg.Logger,
		specCache: cache,
	}
	if r.codec == nil {
		r.codec = &module.JSONSpecCodec{}
	}
	if r.log == nil {
		r.log = observability.NopLogger()
	}
	return r, nil
}

func (r *Repository) ID() string { return r.cfg.RepositoryID }

func (r *Repository) key(id module.ID) string {
	return r.cfg.Prefix + id.String() + ".jar"
}

func (r *Repository) idFromKey(key string) (module.ID, bool) {
	if !strings.HasPrefix(key, r.cfg.Prefix) || !strings.HasSuffix(key, ".jar") {
		return module.ID{}, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(key, r.cfg.Prefix), ".jar")
	id, err := module.ParseID(stem)
	if err != nil {
		return module.ID{}, false
	}
	return id, true
}

// Insert uploads the archive as a jar. Identical content with an equal or
// older create time is a no-op based on the stored object metadata.
func (r *Repository) Insert(ctx context.Context, a archive.Archive) error {
	id := a.Spec().ID

	contentHash, err := archive.ContentHash(a)
	if err != nil {
		return err
	}
	hashHex := hex.EncodeToString(contentHash)

	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(id)),
	})
	if err == nil {
		storedHash := head.Metadata[metaContentHash]
		storedCreate, _ := strconv.ParseInt(head.Metadata[metaCreateTime], 10, 64)
		if storedHash == hashHex && storedCreate >= a.CreateTime().UnixMilli() {
			r.log.WithField("module", id.String()).Debug("insert is a no-op, stored object is identical and fresh")
			return nil
		}
	} else if !isNotFoundError(err) {
		return fmt.Errorf("failed to check stored object: %w", err)
	}

	var content bytes.Buffer
	if err := archive.WriteJar(&content, a, r.codec); err != nil {
		return err
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.cfg.Bucket),
		Key:         aws.String(r.key(id)),
		Body:        bytes.NewReader(content.Bytes()),
		ContentType: aws.String("application/java-archive"),
		Metadata: map[string]string{
			metaContentHash: hashHex,
			metaCreateTime:  strconv.FormatInt(a.CreateTime().UnixMilli(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

func (r *Repository) InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}

func (r *Repository) PutDeploySpecs(ctx context.Context, id module.ID, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}

// Delete removes the module's object.
func (r *Repository) Delete(ctx context.Context, id module.ID) error {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(id)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to check stored object: %w", err)
	}
	_, err = r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Fetch downloads jars into the output directory and opens them as
// archives. Unknown IDs are skipped.
func (r *Repository) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	if r.cfg.OutputDir == "" {
		return nil, fmt.Errorf("s3 repository requires an output directory for fetch")
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	out := make([]archive.Archive, 0, len(ids))
	for _, id := range ids {
		obj, err := r.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.cfg.Bucket),
			Key:    aws.String(r.key(id)),
		})
		if err != nil {
			if isNotFoundError(err) {
				r.log.WithField("module", id.String()).Warn("fetch skipped unknown module")
				continue
			}
			return nil, fmt.Errorf("failed to get object: %w", err)
		}

		dest := filepath.Join(r.cfg.OutputDir, id.String()+".jar")
		f, err := os.Create(dest)
		if err != nil {
			obj.Body.Close()
			return nil, fmt.Errorf("failed to create output jar: %w", err)
		}
		_, copyErr := f.ReadFrom(obj.Body)
		obj.Body.Close()
		if closeErr := f.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return nil, fmt.Errorf("failed to write output jar: %w", copyErr)
		}

		opts := []archive.JarOption{archive.WithJarSpecCodec(r.codec)}
		if obj.LastModified != nil {
			opts = append(opts, archive.WithJarCreateTime(*obj.LastModified))
		}
		a, err := archive.NewJarArchive(dest, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Repository) DefaultView() repository.View {
	return &view{repo: r}
}

func (r *Repository) View(name string) (repository.View, error) {
	if name == repository.DefaultViewName {
		return r.DefaultView(), nil
	}
	return nil, repository.ErrUnsupportedView
}

type objectInfo struct {
	id           module.ID
	key          string
	etag         string
	lastModified int64
}

func (r *Repository) listObjects(ctx context.Context) ([]objectInfo, error) {
	var out []objectInfo
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.Bucket),
		Prefix: aws.String(r.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			id, ok := r.idFromKey(*obj.Key)
			if !ok {
				continue
			}
			info := objectInfo{id: id, key: *obj.Key}
			if obj.ETag != nil {
				info.etag = *obj.ETag
			}
			if obj.LastModified != nil {
				info.lastModified = obj.LastModified.UnixMilli()
			}
			out = append(out, info)
		}
	}
	return out, nil
}

type view struct {
	repo *Repository
}

func (v *view) Name() string { return repository.DefaultViewName }

func (v *view) UpdateTimes(ctx context.Context) (map[module.ID]int64, error) {
	objects, err := v.repo.listObjects(ctx)
	if err != nil {
		return nil, err
	}
	times := make(map[module.ID]int64, len(objects))
	for _, obj := range objects {
		times[obj.id] = obj.lastModified
	}
	return times, nil
}

func (v *view) Summary(ctx context.Context) (repository.RepositorySummary, error) {
	times, err := v.UpdateTimes(ctx)
	if err != nil {
		return repository.RepositorySummary{}, err
	}
	return repository.SummarizeUpdateTimes(v.repo.cfg.RepositoryID, v.Name(), times), nil
}

// ArchiveSummaries fills specs by reading each object's embedded spec,
// memoized by ETag so repeated summaries touch only changed objects.
func (v *view) ArchiveSummaries(ctx context.Context) ([]repository.ArchiveSummary, error) {
	r := v.repo
	objects, err := r.listObjects(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]repository.ArchiveSummary, len(objects))
	var mu sync.Mutex
	async.Batch(ctx, objects, summaryFetchWorkers, func(ctx context.Context, obj objectInfo) error {
		summary := repository.ArchiveSummary{Module: obj.id, LastUpdate: obj.lastModified}
		if spec, ok := r.specCache.Get(obj.etag); ok {
			summary.Spec = spec
		} else if spec := r.readSpec(ctx, obj.key); spec != nil {
			r.specCache.Add(obj.etag, spec)
			summary.Spec = spec
		}
		mu.Lock()
		for i := range objects {
			if objects[i].id == obj.id {
				summaries[i] = summary
				break
			}
		}
		mu.Unlock()
		return nil
	})

	repository.SortSummaries(summaries)
	return summaries, nil
}

// readSpec pulls just the spec entry out of a stored jar. Failures degrade
// to a summary without a spec.
func (r *Repository) readSpec(ctx context.Context, key string) *module.Spec {
	obj, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("failed to read stored jar for summary")
		return nil
	}
	defer obj.Body.Close()

	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(obj.Body); err != nil {
		return nil
	}
	entries, err := archive.EntriesFromZip(data.Bytes())
	if err != nil {
		return nil
	}
	specData, ok := entries[r.codec.FileName()]
	if !ok {
		return nil
	}
	spec, err := r.codec.Decode(specData)
	if err != nil {
		return nil
	}
	return spec
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isAlreadyExistsError(err) {
		return err
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "BucketAlreadyExists") || strings.Contains(msg, "BucketAlreadyOwnedByYou")
}
