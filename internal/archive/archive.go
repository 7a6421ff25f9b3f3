// Package archive writes point-in-time job snapshots to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/neura-orchestra/internal/canonical"
	"github.com/ILLUVRSE/neura-orchestra/internal/models"
)

// Snapshot is everything recorded for one job at the time of archiving.
type Snapshot struct {
	Job             models.TrainingJob      `json:"job"`
	Metrics         []models.Metric         `json:"metrics"`
	Hyperparameters []models.Hyperparameter `json:"hyperparameters"`
	ArchivedAt      time.Time               `json:"archived_at"`
}

type Result struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
}

type Archiver interface {
	Archive(ctx context.Context, snap Snapshot) (Result, error)
}

// uploader is the part of manager.Uploader the archiver needs.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver stores snapshots as canonical JSON at
//
//	s3://<bucket>/<prefix>/jobs/YYYY/MM/DD/<job_id>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver picks up region and credentials the standard AWS SDK way.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Archiver(manager.NewUploader(s3.NewFromConfig(cfg)), bucket, prefix), nil
}

func newS3Archiver(up uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: up}
}

func (a *S3Archiver) Archive(ctx context.Context, snap Snapshot) (Result, error) {
	if snap.ArchivedAt.IsZero() {
		snap.ArchivedAt = time.Now().UTC()
	}
	body, sum, err := canonical.Digest(snap)
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := ObjectKey(a.prefix, snap.Job.JobID, snap.ArchivedAt)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"sha256": sum},
	})
	if err != nil {
		return Result{}, fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return Result{Key: key, Checksum: sum}, nil
}

func ObjectKey(prefix, jobID string, at time.Time) string {
	at = at.UTC()
	return path.Join(prefix, "jobs",
		fmt.Sprintf("%04d", at.Year()),
		fmt.Sprintf("%02d", int(at.Month())),
		fmt.Sprintf("%02d", at.Day()),
		jobID+".json",
	)
}
