package telephony

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const twimlContentType = "application/xml"

// ScriptStore publishes TwiML call scripts at a URL the provider can fetch.
type ScriptStore interface {
	Put(ctx context.Context, name string, twiml []byte) (url string, err error)
}

// LocalScripts writes scripts to a directory served by the API under /scripts/.
type LocalScripts struct {
	baseDir string
	baseURL string
}

func NewLocalScripts(baseDir, baseURL string) *LocalScripts {
	if baseDir == "" {
		baseDir = "./scripts"
	}
	return &LocalScripts{baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalScripts) Put(_ context.Context, name string, twiml []byte) (string, error) {
	name = sanitizeKey(name)
	path := filepath.Join(l.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, twiml, 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return l.baseURL + "/scripts/" + filepath.ToSlash(name), nil
}

// S3Config selects the bucket scripts are uploaded to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	URLExpiry time.Duration
}

// S3Scripts uploads scripts to S3 and hands out presigned GET URLs.
type S3Scripts struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

func NewS3Scripts(ctx context.Context, cfg S3Config) (*S3Scripts, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Scripts{client: client, presign: s3.NewPresignClient(client), bucket: cfg.Bucket, expiry: expiry}, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (s *S3Scripts) Put(ctx context.Context, name string, twiml []byte) (string, error) {
	key := "scripts/" + sanitizeKey(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(twiml),
		ContentType: aws.String(twimlContentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign script: %w", err)
	}
	return req.URL, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return key
}
