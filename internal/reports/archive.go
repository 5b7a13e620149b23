package reports

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/config"
)

// uploadAPI is the slice of the s3 upload manager the archiver uses.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver ships finished reports to an S3-compatible bucket. Production
// targets Cloudflare R2, so a custom endpoint with path-style addressing is
// the common case. A disabled archiver is inert and safe to call.
type Archiver struct {
	cfg      config.ArchiveConfig
	uploader uploadAPI
	log      zerolog.Logger
}

// NewArchiver builds the archive client. With archiving disabled it returns
// an inert archiver and never touches the network.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	a := &Archiver{
		cfg: cfg,
		log: log.With().Str("component", "report-archiver").Logger(),
	}
	if !cfg.Enabled {
		return a, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive enabled without a bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("archive config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	a.uploader = manager.NewUploader(client)
	return a, nil
}

// Enabled reports whether Store will actually upload.
func (a *Archiver) Enabled() bool { return a.cfg.Enabled && a.uploader != nil }

// Store uploads one JSON report under the configured prefix. Callers treat
// failures as warnings: the local report file is the system of record and the
// archive is a mirror.
func (a *Archiver) Store(ctx context.Context, name string, data []byte) error {
	return a.StoreBlob(ctx, name, "application/json", data)
}

// StoreBlob uploads one object with an explicit content type; journal
// snapshots use it for gzip payloads.
func (a *Archiver) StoreBlob(ctx context.Context, name, contentType string, data []byte) error {
	if !a.Enabled() {
		return nil
	}
	key := path.Join(a.cfg.Prefix, name)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.log.Info().Str("bucket", a.cfg.Bucket).Str("key", key).Int("bytes", len(data)).Msg("report archived")
	return nil
}
