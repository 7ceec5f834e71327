// Package storage archives ledger receipts to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/digkill/TGDeckBot/internal/models"
)

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	Prefix       string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReceiptArchive writes one JSON object per balance mutation.
type ReceiptArchive struct {
	bucket string
	prefix string
	client objectPutter
	now    func() time.Time
}

func NewReceiptArchive(cfg Config) (*ReceiptArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newReceiptArchive(cfg.Bucket, cfg.Prefix, s3.New(options)), nil
}

func newReceiptArchive(bucket, prefix string, client objectPutter) *ReceiptArchive {
	if prefix == "" {
		prefix = "ledger-receipts"
	}
	return &ReceiptArchive{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
		now:    time.Now,
	}
}

// Record stores receipt under <prefix>/<kind>/<yyyy>/<mm>/<dd>/<uuid>.json.
func (a *ReceiptArchive) Record(ctx context.Context, receipt models.LedgerReceipt) error {
	if receipt.At.IsZero() {
		receipt.At = a.now().UTC()
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	key := a.key(receipt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"user-id": receipt.UserID,
			"kind":    string(receipt.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("upload receipt to s3: %w", err)
	}
	return nil
}

func (a *ReceiptArchive) key(receipt models.LedgerReceipt) string {
	at := receipt.At.UTC()
	return path.Join(
		a.prefix,
		string(receipt.Kind),
		fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()),
		uuid.NewString()+".json",
	)
}
