package validator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Key       string
}

// ObjectSource reads the record as the body of an S3-compatible object.
type ObjectSource struct {
	client *minio.Client
	bucket string
	key    string
}

func NewObjectSource(cfg ObjectConfig) (*ObjectSource, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	key := cfg.Key
	if key == "" {
		key = DefaultRecordPath
	}
	return &ObjectSource{client: client, bucket: cfg.Bucket, key: key}, nil
}

func (s *ObjectSource) Name() string { return "objectstore" }

func (s *ObjectSource) Read(ctx context.Context) (string, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return "", false, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	body, err := io.ReadAll(io.LimitReader(obj, 64<<10))
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read object: %w", err)
	}
	return strings.TrimSpace(string(body)), true, nil
}
