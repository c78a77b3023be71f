// Package media implements the Media Ingestor: it streams an inbound
// attachment from the platform, content-addresses it by SHA-256,
// uploads to object storage, persists the Receipt Object record, and
// fire-and-forget enqueues OCR over NATS.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// MaxReceiptBytes is the §4.8 hard size cap.
const MaxReceiptBytes = 10 * 1024 * 1024

var allowedMIME = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/heic":      true,
	"application/pdf": true,
}

var (
	// ErrUnsupportedMIME means the attachment's content-type isn't in
	// the whitelist.
	ErrUnsupportedMIME = errors.New("media: unsupported content type")
	// ErrTooLarge means the attachment exceeds MaxReceiptBytes.
	ErrTooLarge = errors.New("media: exceeds maximum receipt size")
)

// Ingestor downloads, hashes, stores, and enqueues OCR for receipt
// attachments.
type Ingestor struct {
	httpClient *http.Client
	s3Client   *s3.Client
	uploader   *manager.Uploader
	nats       *nats.Conn
	store      store.ReceiptStore

	bucket     string
	ocrSubject string
}

// Config bundles the object-store and OCR-queue coordinates from
// internal/config.MediaConfig.
type Config struct {
	S3Bucket   string
	S3Endpoint string
	S3Region   string
	NATSURL    string
	OCRSubject string
}

// New builds an Ingestor. The NATS connection is optional — if NATSURL
// is empty, OCR enqueue is a no-op (receipts still get stored; OCR
// status stays "pending" forever, which is a deliberately acceptable
// degradation per §9: "absence of OCR never blocks a transition").
func New(ctx context.Context, cfg Config, st store.ReceiptStore) (*Ingestor, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = true
	})

	in := &Ingestor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		s3Client:   s3Client,
		uploader:   manager.NewUploader(s3Client),
		store:      st,
		bucket:     cfg.S3Bucket,
		ocrSubject: cfg.OCRSubject,
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Msg("media: NATS unavailable, OCR enqueue disabled")
		} else {
			in.nats = nc
		}
	}

	return in, nil
}

// Ingest downloads mediaURL (sending accessToken as a Bearer
// Authorization header when it is non-empty), computes its digest,
// uploads it content-addressed, and records it.
func (in *Ingestor) Ingest(ctx context.Context, tenantID, senderKey, orderID, mediaURL, contentType string, accessToken string) (*models.ReceiptObject, error) {
	if !allowedMIME[contentType] {
		return nil, ErrUnsupportedMIME
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := in.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	spool, err := os.CreateTemp("", "receipt-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("media: create spool file: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	// Stream the download straight to disk, hashing as it goes, so an
	// attachment never sits fully in process memory (§4.8 step 2).
	limited := io.LimitReader(resp.Body, MaxReceiptBytes+1)
	hasher := sha256.New()
	n, err := io.Copy(spool, io.TeeReader(limited, hasher))
	if err != nil {
		return nil, err
	}
	if n > MaxReceiptBytes {
		return nil, ErrTooLarge
	}

	digest := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := in.store.GetReceiptBySHA256(ctx, tenantID, digest); err == nil {
		return existing, nil
	}

	ext := extensionFor(contentType)
	objectKey := fmt.Sprintf("receipts/%s/%s/%s%s", tenantID, orderID, digest, ext)

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("media: rewind spool file: %w", err)
	}
	if _, err := in.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               &in.bucket,
		Key:                  &objectKey,
		Body:                 spool,
		ContentType:          &contentType,
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}); err != nil {
		return nil, fmt.Errorf("media: upload: %w", err)
	}

	rec := &models.ReceiptObject{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		SenderKey:   senderKey,
		OrderID:     orderID,
		SHA256:      digest,
		ObjectKey:   objectKey,
		SizeBytes:   n,
		ContentType: contentType,
		OCRStatus:   "pending",
	}
	if err := in.store.CreateReceipt(ctx, rec); err != nil {
		return nil, err
	}

	in.enqueueOCR(rec)
	return rec, nil
}

// enqueueOCR publishes a fire-and-forget OCR request. Failure to
// publish never fails ingestion — OCR is an optional enrichment.
func (in *Ingestor) enqueueOCR(rec *models.ReceiptObject) {
	if in.nats == nil {
		return
	}
	payload := fmt.Sprintf(`{"receipt_id":%q,"tenant_id":%q,"object_key":%q}`, rec.ID, rec.TenantID, rec.ObjectKey)
	if err := in.nats.Publish(in.ocrSubject, []byte(payload)); err != nil {
		log.Warn().Err(err).Str("receipt_id", rec.ID).Msg("media: OCR enqueue failed")
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/heic":
		return ".heic"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
