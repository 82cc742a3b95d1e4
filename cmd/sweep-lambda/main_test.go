package main

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wolfman30/paychat-billing/internal/expiration"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

type stubSweeper struct{ res expiration.Result }

func (s stubSweeper) Sweep(context.Context) expiration.Result { return s.res }

type countingDrainer struct{ batches []int }

func (d *countingDrainer) Drain(context.Context) int {
	if len(d.batches) == 0 {
		return 0
	}
	n := d.batches[0]
	d.batches = d.batches[1:]
	return n
}

func TestHandleSweepsAndDrains(t *testing.T) {
	d := &countingDrainer{batches: []int{100, 3}}
	out, err := handle(context.Background(), stubSweeper{res: expiration.Result{Scanned: 5, Expired: 2, NotDue: 3}}, d,
		logging.New("error"), events.CloudWatchEvent{ID: "evt-1", Source: "aws.events"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Expired != 2 || out.Scanned != 5 || out.Delivered != 103 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestHandleReportsFailures(t *testing.T) {
	out, err := handle(context.Background(), stubSweeper{res: expiration.Result{Scanned: 1, Failed: 1}}, &countingDrainer{},
		logging.New("error"), events.CloudWatchEvent{})
	if err == nil {
		t.Fatal("expected error when sessions fail")
	}
	if out.Failed != 1 {
		t.Fatalf("unexpected response: %+v", out)
	}
}
