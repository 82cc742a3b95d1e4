// Package archive writes final session snapshots to S3 for audit and reconciliation.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Record is one archived session.
type Record struct {
	Version    string                     `json:"version"`
	EventID    string                     `json:"event_id"`
	ArchivedAt time.Time                  `json:"archived_at"`
	Terminated events.SessionTerminatedV1 `json:"terminated"`
}

// ManifestEntry is one JSONL line of the monthly manifest.
type ManifestEntry struct {
	SessionID      string `json:"session_id"`
	S3Key          string `json:"s3_key"`
	State          string `json:"state"`
	Reason         string `json:"reason"`
	RefundedTokens int64  `json:"refunded_tokens"`
	DebitedTokens  int64  `json:"debited_tokens"`
	ArchivedAt     string `json:"archived_at"`
}

// Store archives session.terminated events. With no bucket every call is a no-op.
type Store struct {
	bucket   string
	s3Client S3API
	tracer   trace.Tracer
	logger   *logging.Logger
	now      func() time.Time
}

func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		bucket:   bucket,
		s3Client: s3Client,
		tracer:   otel.Tracer("paychat.internal.archive"),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Handle implements events.DeliveryHandler. Other event types are ignored.
func (s *Store) Handle(ctx context.Context, ev events.Event) error {
	if !s.Enabled() || ev.Type != events.TypeSessionTerminated {
		return nil
	}
	var payload events.SessionTerminatedV1
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("archive: decode %s: %w", ev.ID, err)
	}
	return s.ArchiveSession(ctx, Record{
		Version:    "1.0",
		EventID:    ev.ID.String(),
		ArchivedAt: s.now(),
		Terminated: payload,
	})
}

// ArchiveSession writes the record and appends it to the monthly manifest.
// The object key is derived from the session id, so redelivery overwrites the same object.
func (s *Store) ArchiveSession(ctx context.Context, rec Record) error {
	if !s.Enabled() {
		return nil
	}
	sess := rec.Terminated.Session
	ctx, span := s.tracer.Start(ctx, "archive.session")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	closedAt := rec.ArchivedAt
	if sess.ClosedAt != nil {
		closedAt = sess.ClosedAt.UTC()
	}
	key := fmt.Sprintf("sessions/v1/by-date/%d/%02d/%02d/%s.json",
		closedAt.Year(), closedAt.Month(), closedAt.Day(), sess.ID)

	if _, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	entry := ManifestEntry{
		SessionID:      sess.ID,
		S3Key:          key,
		State:          string(sess.State),
		Reason:         string(rec.Terminated.Refund.Reason),
		RefundedTokens: rec.Terminated.Refund.RefundedTokens,
		ArchivedAt:     rec.ArchivedAt.Format(time.RFC3339),
	}
	if sess.Escrow != nil {
		entry.DebitedTokens = sess.Escrow.DebitedTokens
	}
	if err := s.AppendManifest(ctx, closedAt, entry); err != nil {
		// The snapshot is already stored.
		s.logger.WithSession(sess.ID).Warn("failed to append manifest", "error", err)
	}
	s.logger.WithSession(sess.ID).Info("archived session", "s3_key", key, "reason", entry.Reason)
	return nil
}

// AppendManifest appends a JSONL line to the monthly manifest with read-modify-write.
func (s *Store) AppendManifest(ctx context.Context, month time.Time, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	manifestKey := fmt.Sprintf("sessions/v1/manifests/%d-%02d.jsonl", month.Year(), month.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	if _, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
