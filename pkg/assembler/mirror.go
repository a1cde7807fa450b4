package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorToS3 best-effort-uploads every blob plus the top-level index.json
// and oci-layout marker to bucket, after the local layout write has already
// succeeded. The local layout remains authoritative; a mirroring failure
// does not unwind anything already written to disk.
func MirrorToS3(ctx context.Context, root, bucket string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	uploader := manager.NewUploader(s3.NewFromConfig(cfg))

	var files []string
	if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	}); err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}

	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(filepath.ToSlash(rel)),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("uploading %s to s3://%s/%s: %w", path, bucket, rel, err)
		}
	}

	return nil
}
