package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

type fakeSQS struct {
	sent       []string
	sendErr    error
	inbox      []types.Message
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(f.inbox) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	m := f.inbox[0]
	f.inbox = f.inbox[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func claimedReminder() *reminder.Reminder {
	lease := time.Date(2026, 10, 19, 9, 1, 0, 0, time.UTC)
	return &reminder.Reminder{
		ID:             uuid.New(),
		Owner:          "42",
		Status:         reminder.StatusClaimed,
		ClaimExpiresAt: &lease,
	}
}

func TestProducerEnqueue(t *testing.T) {
	api := &fakeSQS{}
	p := NewProducer(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())
	r := claimedReminder()

	id, err := p.Enqueue(context.Background(), r)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}

	var msg Message
	if err := json.Unmarshal([]byte(api.sent[0]), &msg); err != nil {
		t.Fatalf("body is not a Message: %v", err)
	}
	if msg.ReminderID != r.ID.String() || msg.Owner != "42" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !msg.Lease().Equal(*r.ClaimExpiresAt) {
		t.Errorf("lease = %s, want %s", msg.Lease(), r.ClaimExpiresAt)
	}
}

func TestProducerEnqueueBatchReturnsFailures(t *testing.T) {
	api := &fakeSQS{sendErr: errors.New("throttled")}
	p := NewProducer(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	batch := []*reminder.Reminder{claimedReminder(), claimedReminder()}
	failed := p.EnqueueBatch(context.Background(), batch)
	if len(failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(failed))
	}
}

func TestConsumerReceive(t *testing.T) {
	r := claimedReminder()
	body, _ := json.Marshal(NewMessage(r, time.Now()))
	api := &fakeSQS{inbox: []types.Message{{
		Body:          aws.String(string(body)),
		ReceiptHandle: aws.String("rh-1"),
	}}}
	c := NewConsumer(api, Config{QueueURL: "https://sqs/q", VisibilityTimeout: time.Minute}, zap.NewNop())

	msg, receipt, err := c.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg == nil || msg.ReminderID != r.ID.String() || receipt != "rh-1" {
		t.Fatalf("unexpected receive: %+v %q", msg, receipt)
	}

	msg, _, err = c.ReceiveMessage(context.Background())
	if err != nil || msg != nil {
		t.Fatalf("empty poll should return nil, nil; got %+v, %v", msg, err)
	}
}

func TestConsumerReceiveBadBodyKeepsReceipt(t *testing.T) {
	api := &fakeSQS{inbox: []types.Message{{
		Body:          aws.String("not json"),
		ReceiptHandle: aws.String("rh-bad"),
	}}}
	c := NewConsumer(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	_, receipt, err := c.ReceiveMessage(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if receipt != "rh-bad" {
		t.Errorf("receipt = %q, callers need it to drop the message", receipt)
	}
}

func TestConsumerDeleteAndVisibility(t *testing.T) {
	api := &fakeSQS{}
	c := NewConsumer(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	if err := c.DeleteMessage(context.Background(), "rh-1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-1" {
		t.Errorf("deleted = %v", api.deleted)
	}

	if err := c.ChangeVisibility(context.Background(), "rh-2", 30*time.Second); err != nil {
		t.Fatalf("ChangeVisibility: %v", err)
	}
	if api.visibility["rh-2"] != 30 {
		t.Errorf("visibility = %d", api.visibility["rh-2"])
	}
}
