package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"envsync/pkg/models"
	"envsync/pkg/pool"
	"envsync/pkg/report"
)

// OperationName is the single report operation written by Replicate
const OperationName = "sync_storage"

var publicSuffixes = []string{"-logos", "-images", "-public"}

// IsPublicBucket applies the naming convention for publicly readable buckets
func IsPublicBucket(name string) bool {
	if name == "avatars" {
		return true
	}
	for _, s := range publicSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// IsTransferable reports whether a listed file name is real content. Dotfiles
// and names without an extension are folder placeholders.
func IsTransferable(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return path.Ext(name) != ""
}

// Replicator copies every file of the configured buckets from source to target
type Replicator struct {
	source  Store
	target  Store
	workers int
	log     *zap.Logger

	mu      sync.Mutex
	created map[string]*bucketCreation
}

type bucketCreation struct {
	once sync.Once
	err  error
}

// NewReplicator creates a replicator running at most workers transfers at once
func NewReplicator(source, target Store, workers int, log *zap.Logger) *Replicator {
	if workers <= 0 {
		workers = 1
	}
	return &Replicator{
		source:  source,
		target:  target,
		workers: workers,
		log:     log.Named("storage"),
		created: make(map[string]*bucketCreation),
	}
}

// Discover lists every transferable file of a bucket, descending into directories
func (r *Replicator) Discover(ctx context.Context, bucket string) ([]models.BucketFile, error) {
	var files []models.BucketFile
	if err := r.discover(ctx, bucket, "", &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (r *Replicator) discover(ctx context.Context, bucket, prefix string, out *[]models.BucketFile) error {
	entries, err := r.source.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}

	for _, e := range entries {
		full := prefix + e.Name
		switch e.Kind {
		case KindDirectory:
			if err := r.discover(ctx, bucket, full+"/", out); err != nil {
				return err
			}
		case KindFile:
			if !IsTransferable(e.Name) {
				r.log.Debug("skipping placeholder", zap.String("bucket", bucket), zap.String("path", full))
				continue
			}
			*out = append(*out, models.BucketFile{
				BucketName:  bucket,
				FullPath:    full,
				Size:        e.Size,
				ContentType: e.ContentType,
				Metadata:    e.Metadata,
			})
		}
	}
	return nil
}

// Replicate transfers all buckets and records one sync_storage operation
func (r *Replicator) Replicate(ctx context.Context, buckets []string, rec *report.Recorder) {
	if len(buckets) == 0 {
		rec.SuccessCount(OperationName, "no buckets configured", 0)
		return
	}

	var (
		files        []models.BucketFile
		listFailures []string
	)
	for _, b := range buckets {
		found, err := r.Discover(ctx, b)
		if err != nil {
			r.log.Warn("bucket listing failed", zap.String("bucket", b), zap.Error(err))
			listFailures = append(listFailures, fmt.Sprintf("%s: %v", b, err))
			continue
		}
		r.log.Info("discovered files", zap.String("bucket", b), zap.Int("files", len(found)))
		files = append(files, found...)
	}

	var transferred atomic.Int64
	wp := pool.NewWorkerPool(ctx, r.workers)
	for _, f := range files {
		f := f
		wp.Submit(func(ctx context.Context) error {
			if err := r.transfer(ctx, f); err != nil {
				r.log.Warn("file transfer failed",
					zap.String("bucket", f.BucketName), zap.String("path", f.FullPath), zap.Error(err))
				return err
			}
			transferred.Add(1)
			return nil
		})
	}
	stats := wp.Wait()

	count := transferred.Load()
	if len(listFailures) == len(buckets) {
		rec.ErrorCount(OperationName,
			fmt.Errorf("all bucket listings failed: %s", strings.Join(listFailures, "; ")), count)
		return
	}

	details := fmt.Sprintf("transferred %d of %d files from %d buckets", count, len(files), len(buckets)-len(listFailures))
	if stats.FailedTasks > 0 {
		details += fmt.Sprintf(", %d files skipped", stats.FailedTasks)
	}
	if len(listFailures) > 0 {
		details += fmt.Sprintf(", listing failed for %s", strings.Join(listFailures, "; "))
	}
	rec.SuccessCount(OperationName, details, count)
}

func (r *Replicator) transfer(ctx context.Context, f models.BucketFile) error {
	obj, err := r.source.Download(ctx, f.BucketName, f.FullPath)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	err = r.target.Upload(ctx, f.BucketName, f.FullPath, obj)
	if errors.Is(err, ErrBucketNotFound) {
		if cerr := r.ensureBucket(ctx, f.BucketName); cerr != nil {
			return fmt.Errorf("create bucket: %w", cerr)
		}
		err = r.target.Upload(ctx, f.BucketName, f.FullPath, obj)
	}
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// ensureBucket creates a target bucket at most once per replicator
func (r *Replicator) ensureBucket(ctx context.Context, bucket string) error {
	r.mu.Lock()
	bc, ok := r.created[bucket]
	if !ok {
		bc = &bucketCreation{}
		r.created[bucket] = bc
	}
	r.mu.Unlock()

	bc.once.Do(func() {
		public := IsPublicBucket(bucket)
		r.log.Info("creating missing target bucket", zap.String("bucket", bucket), zap.Bool("public", public))
		bc.err = r.target.CreateBucket(ctx, bucket, public)
	})
	return bc.err
}
