package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"adreel-backend/internal/queue"
	"adreel-backend/internal/runs"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	_ = ctx
	_ = params
	_ = optFns
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	_ = ctx
	_ = optFns
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeProcessor struct {
	err error
}

func (f fakeProcessor) ProcessRun(ctx context.Context, runID string) error {
	_ = ctx
	_ = runID
	return f.err
}

func runMessage(t *testing.T, runID string) sqstypes.Message {
	t.Helper()
	msgBody, err := queue.EncodeMessage(queue.Message{RunID: runID, RequestID: "req-" + runID})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return sqstypes.Message{
		MessageId:     aws.String("m-" + runID),
		ReceiptHandle: aws.String("r-" + runID),
		Body:          aws.String(string(msgBody)),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}

	handleMessage(context.Background(), client, "queue", fakeProcessor{}, runMessage(t, "run-1"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}

	handleMessage(context.Background(), client, "queue", fakeProcessor{err: errors.New("boom")}, runMessage(t, "run-2"))

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerLeavesLockedRunsForRedelivery(t *testing.T) {
	client := &fakeSQS{}
	proc := fakeProcessor{err: fmt.Errorf("acquire: %w", runs.ErrLocked)}

	handleMessage(context.Background(), client, "queue", proc, runMessage(t, "run-3"))

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesMessageForUnknownRun(t *testing.T) {
	client := &fakeSQS{}

	handleMessage(context.Background(), client, "queue", fakeProcessor{err: runs.ErrNotFound}, runMessage(t, "run-4"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	msg := sqstypes.Message{
		MessageId:     aws.String("m3"),
		ReceiptHandle: aws.String("r3"),
		Body:          aws.String("{bad-json"),
	}

	handleMessage(context.Background(), client, "queue", fakeProcessor{}, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnMissingRunID(t *testing.T) {
	client := &fakeSQS{}
	msg := sqstypes.Message{
		MessageId:     aws.String("m5"),
		ReceiptHandle: aws.String("r5"),
		Body:          aws.String(`{"requestId":"req-5"}`),
	}

	handleMessage(context.Background(), client, "queue", fakeProcessor{}, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestReceiveCount(t *testing.T) {
	if got := receiveCount(sqstypes.Message{Attributes: map[string]string{"ApproximateReceiveCount": "3"}}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := receiveCount(sqstypes.Message{}); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
