package jobs

import (
	"context"
	"testing"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

func dispatcherFixture(t *testing.T) (*queueDispatcher, *fakeQueue) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	queue := newFakeQueue()
	d, err := NewQueueDispatcher(log, queue)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return d.(*queueDispatcher), queue
}

func TestQueueDispatcherCreatesJob(t *testing.T) {
	d, queue := dispatcherFixture(t)

	if err := d.DispatchConversion(context.Background(), &domain.Document{ID: 42}); err != nil {
		t.Fatalf("DispatchConversion: %v", err)
	}

	queued, err := queue.CountByStatus(dbctx.Context{Ctx: context.Background()}, domain.JobQueued)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued jobs %d, want 1", queued)
	}
}

func TestQueueDispatcherDedupsRunnable(t *testing.T) {
	d, queue := dispatcherFixture(t)
	seedJob(queue, 42, domain.JobRetryPending, 1)

	if err := d.DispatchConversion(context.Background(), &domain.Document{ID: 42}); err != nil {
		t.Fatalf("DispatchConversion: %v", err)
	}

	queued, err := queue.CountByStatus(dbctx.Context{Ctx: context.Background()}, domain.JobQueued)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if queued != 0 {
		t.Fatalf("queued jobs %d, want 0 while a runnable row exists", queued)
	}
}

func TestQueueDispatcherAllowsNewJobAfterTerminalFailure(t *testing.T) {
	d, queue := dispatcherFixture(t)
	seedJob(queue, 42, domain.JobFailed, 3)

	if err := d.DispatchConversion(context.Background(), &domain.Document{ID: 42}); err != nil {
		t.Fatalf("DispatchConversion: %v", err)
	}

	queued, err := queue.CountByStatus(dbctx.Context{Ctx: context.Background()}, domain.JobQueued)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued jobs %d, want 1 after a terminal failure", queued)
	}
}
