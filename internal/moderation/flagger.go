// Package moderation hands users flagged by mismatch reports to the review queue.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// SQSAPI is the subset of the SQS client used by SQSFlagger.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Review is the message body consumed by the moderation service.
type Review struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// SQSFlagger enqueues review requests.
type SQSFlagger struct {
	client   SQSAPI
	queueURL string
	logger   *logging.Logger
	now      func() time.Time
}

func NewSQSFlagger(client SQSAPI, queueURL string, logger *logging.Logger) (*SQSFlagger, error) {
	if client == nil {
		return nil, errors.New("moderation: SQS client cannot be nil")
	}
	if queueURL == "" {
		return nil, errors.New("moderation: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSFlagger{client: client, queueURL: queueURL, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// FlagForReview sends one review request. Repeated flags for the same user and
// session share a deduplication id on FIFO queues.
func (f *SQSFlagger) FlagForReview(ctx context.Context, userID, sessionID, reason string) error {
	body, err := json.Marshal(Review{UserID: userID, SessionID: sessionID, Reason: reason, FlaggedAt: f.now()})
	if err != nil {
		return fmt.Errorf("moderation: marshal review: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {DataType: aws.String("String"), StringValue: aws.String(reason)},
		},
	}
	if isFIFO(f.queueURL) {
		input.MessageGroupId = aws.String(userID)
		input.MessageDeduplicationId = aws.String(userID + ":" + sessionID)
	}
	out, err := f.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("moderation: failed to send SQS message: %w", err)
	}
	f.logger.WithSession(sessionID).Info("user flagged for review", "user_id", userID, "reason", reason, "message_id", aws.ToString(out.MessageId))
	return nil
}

func isFIFO(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}

// LogFlagger only logs. Used when no queue is configured.
type LogFlagger struct {
	logger *logging.Logger
}

func NewLogFlagger(logger *logging.Logger) *LogFlagger {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogFlagger{logger: logger}
}

func (f *LogFlagger) FlagForReview(_ context.Context, userID, sessionID, reason string) error {
	f.logger.WithSession(sessionID).Warn("user flagged for review", "user_id", userID, "reason", reason)
	return nil
}
