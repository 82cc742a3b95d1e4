package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSFlaggerSendsReview(t *testing.T) {
	api := &fakeSQS{}
	f, err := NewSQSFlagger(api, "https://sqs.us-east-1.amazonaws.com/1/reviews", nil)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return at }

	require.NoError(t, f.FlagForReview(context.Background(), "f1", "sess-1", "MISMATCH"))
	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Nil(t, in.MessageGroupId)

	var review Review
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &review))
	assert.Equal(t, Review{UserID: "f1", SessionID: "sess-1", Reason: "MISMATCH", FlaggedAt: at}, review)
	assert.Equal(t, "MISMATCH", aws.ToString(in.MessageAttributes["reason"].StringValue))
}

func TestSQSFlaggerFIFO(t *testing.T) {
	api := &fakeSQS{}
	f, err := NewSQSFlagger(api, "https://sqs.us-east-1.amazonaws.com/1/reviews.fifo", nil)
	require.NoError(t, err)

	require.NoError(t, f.FlagForReview(context.Background(), "f1", "sess-1", "MISMATCH"))
	assert.Equal(t, "f1", aws.ToString(api.inputs[0].MessageGroupId))
	assert.Equal(t, "f1:sess-1", aws.ToString(api.inputs[0].MessageDeduplicationId))
}

func TestSQSFlaggerErrors(t *testing.T) {
	_, err := NewSQSFlagger(nil, "url", nil)
	assert.Error(t, err)
	_, err = NewSQSFlagger(&fakeSQS{}, "", nil)
	assert.Error(t, err)

	api := &fakeSQS{err: errors.New("boom")}
	f, err := NewSQSFlagger(api, "url", nil)
	require.NoError(t, err)
	assert.ErrorContains(t, f.FlagForReview(context.Background(), "f1", "sess-1", "MISMATCH"), "boom")
}

func TestLogFlagger(t *testing.T) {
	assert.NoError(t, NewLogFlagger(nil).FlagForReview(context.Background(), "f1", "sess-1", "MISMATCH"))
}
