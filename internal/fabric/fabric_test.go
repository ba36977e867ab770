package fabric

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/taskd/internal/correlation"
)

func TestPublishReceiveAck(t *testing.T) {
	f := New()
	ctx := context.Background()
	for i := range 3 {
		if err := f.Publish(ctx, Envelope{ChannelID: "orders", MessageType: "order", ActionType: "create", Priority: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got, remaining, err := f.Receive(ctx, "orders", 2)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 2 || remaining != 1 {
		t.Fatalf("expected 2 deliveries and 1 remaining, got %d/%d", len(got), remaining)
	}
	if got[0].Priority != 0 || got[1].Priority != 1 {
		t.Fatal("expected FIFO delivery")
	}
	if got[0].ID == "" || got[0].EnqueuedAt.IsZero() || got[0].DeliveryCount != 1 {
		t.Fatalf("expected id, timestamp and delivery count to be filled: %+v", got[0].Envelope)
	}
	if got[0].Key() != "orders/order/create" {
		t.Fatalf("unexpected key %q", got[0].Key())
	}
	if err := got[0].Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := got[0].Ack(); !errors.Is(err, ErrUnknownDelivery) {
		t.Fatalf("expected double settle to fail, got %v", err)
	}
}

func TestPublishAssignsCorrelation(t *testing.T) {
	f := New()
	ctx := context.Background()
	_ = f.Publish(ctx, Envelope{ChannelID: "a"})
	_ = f.Publish(correlation.With(ctx, "parent"), Envelope{ChannelID: "a"})
	_ = f.Publish(correlation.With(ctx, "parent"), Envelope{ChannelID: "a", CorrelationID: "own"})
	got, _, err := f.Receive(ctx, "a", 3)
	if err != nil || len(got) != 3 {
		t.Fatalf("receive: %d (%v)", len(got), err)
	}
	if got[0].CorrelationID == "" {
		t.Fatal("expected a generated correlation id")
	}
	if got[1].CorrelationID != "parent" || got[2].CorrelationID != "own" {
		t.Fatalf("unexpected correlation ids %q %q", got[1].CorrelationID, got[2].CorrelationID)
	}
}

func TestNackRequeueAndDeadletter(t *testing.T) {
	f := New()
	ctx := context.Background()
	if err := f.Publish(ctx, Envelope{ChannelID: "jobs"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, _, _ := f.Receive(ctx, "jobs", 10)
	if err := got[0].Nack(true); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if f.Length("jobs") != 1 {
		t.Fatal("expected requeued message to be ready again")
	}
	got, _, _ = f.Receive(ctx, "jobs", 10)
	if got[0].DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2, got %d", got[0].DeliveryCount)
	}
	if err := got[0].Deadletter("poison"); err != nil {
		t.Fatalf("deadletter: %v", err)
	}
	if f.Length("jobs") != 0 || f.Length("jobs"+DeadletterSuffix) != 1 {
		t.Fatal("expected message on the deadletter channel")
	}
	dead, _, _ := f.Receive(ctx, "jobs"+DeadletterSuffix, 1)
	if dead[0].Headers["deadletter-reason"] != "poison" {
		t.Fatalf("expected deadletter reason header, got %v", dead[0].Headers)
	}

	stats := f.Statistics()
	if len(stats) != 2 || stats[0].Channel != "jobs" || stats[0].Requeued != 1 || stats[0].Deadlettered != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestPublishValidation(t *testing.T) {
	f := New()
	if err := f.Publish(context.Background(), Envelope{}); !errors.Is(err, ErrMissingChannel) {
		t.Fatalf("expected ErrMissingChannel, got %v", err)
	}
	f.Close()
	if err := f.Publish(context.Background(), Envelope{ChannelID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBroadcastEchoAndPartition(t *testing.T) {
	f := New()
	ctx := context.Background()
	a := f.Subscribe("master", "a")
	b := f.Subscribe("master", "b")

	if err := f.Broadcast(ctx, "master", Envelope{OriginatorID: "a", MessageType: "hello"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(a.Drain()) != 1 || len(b.Drain()) != 1 {
		t.Fatal("expected every subscriber, including the sender, to receive the broadcast")
	}
	if len(a.Drain()) != 0 {
		t.Fatal("drain must clear the inbox")
	}

	f.Partition("a", true)
	_ = f.Broadcast(ctx, "master", Envelope{OriginatorID: "a"})
	_ = f.Broadcast(ctx, "master", Envelope{OriginatorID: "b"})
	if len(a.Drain()) != 0 {
		t.Fatal("partitioned node must receive nothing")
	}
	if got := b.Drain(); len(got) != 1 || got[0].OriginatorID != "b" {
		t.Fatalf("expected only b's own broadcast, got %+v", got)
	}

	f.Partition("a", false)
	b.Close()
	_ = f.Broadcast(ctx, "master", Envelope{OriginatorID: "a"})
	if len(a.Drain()) != 1 || len(b.Drain()) != 0 {
		t.Fatal("expected healed partition and closed subscription")
	}
}
