package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// An S3Uploader publishes run artifacts to a results bucket for the
// external reporting/visualization consumer.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
}

func NewS3Uploader(cfg aws.Config, bucket string) *S3Uploader {
	client := s3.NewFromConfig(cfg)
	return &S3Uploader{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// UploadRun pushes every file in the result directory under the run's ID.
func (u *S3Uploader) UploadRun(ctx context.Context, runID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		local := path.Join(dir, entry.Name())
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		key := path.Join(runID, entry.Name())
		_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", local, err)
		}
		slog.Debug("uploaded artifact", slog.String("bucket", u.bucket), slog.String("key", key))
	}
	return nil
}
