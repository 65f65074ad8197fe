package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/septivank/meter-reconciliation/internal/offline"
	"github.com/septivank/meter-reconciliation/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type memoryQueue struct {
	mu     sync.Mutex
	items  []offline.Item
	synced map[string]string
}

func newMemoryQueue(clientIDs ...string) *memoryQueue {
	q := &memoryQueue{synced: make(map[string]string)}
	for i, id := range clientIDs {
		q.items = append(q.items, offline.Item{Seq: uint(i + 1), ClientID: id, TenantID: testTenant, Status: offline.StatusPending})
	}
	return q
}

func (q *memoryQueue) ListPending(ctx context.Context, tenantID string) ([]offline.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []offline.Item
	for _, item := range q.items {
		if item.Status == offline.StatusPending {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memoryQueue) setStatus(clientID, status string) {
	for i := range q.items {
		if q.items[i].ClientID == clientID {
			q.items[i].Status = status
		}
	}
}

func (q *memoryQueue) MarkSynced(ctx context.Context, clientID, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.synced[clientID] = serverID
	q.setStatus(clientID, offline.StatusSynced)
	return nil
}

func (q *memoryQueue) IncrementAttempt(ctx context.Context, clientID, errMsg string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ClientID == clientID {
			q.items[i].SyncAttempts++
			return q.items[i].SyncAttempts, nil
		}
	}
	return 0, offline.ErrNotFound
}

func (q *memoryQueue) MarkFailed(ctx context.Context, clientID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(clientID, offline.StatusFailed)
	return nil
}

func (q *memoryQueue) Photo(ctx context.Context, photoID string) (*offline.PhotoBlob, error) {
	return nil, offline.ErrNotFound
}

type echoTransport struct{}

func (echoTransport) Upload(ctx context.Context, token string, batch wire.SyncRequest) (*wire.SyncResponse, error) {
	resp := &wire.SyncResponse{ClientBatchID: batch.ClientBatchID, Success: true}
	for _, item := range batch.Items {
		resp.Results = append(resp.Results, wire.SyncItemResult{ClientID: item.ClientID, Success: true, ServerID: "srv-" + item.ClientID})
	}
	return resp, nil
}

func TestManager_ProgressStreamAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newMemoryQueue("a", "b", "c")
	manager := NewManager(queue, echoTransport{}, NewStaticTokenProvider("t"), Config{BatchSize: 2}, zap.NewNop())
	progress := manager.Subscribe(10)

	outcome, err := manager.Sync(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Synced)

	manager.Close()

	var snapshots []Progress
	for p := range progress {
		snapshots = append(snapshots, p)
	}
	require.Len(t, snapshots, 3, "one snapshot per batch plus the final one")
	assert.Equal(t, 1, snapshots[0].Batch)
	assert.Equal(t, 2, snapshots[0].Processed)
	last := snapshots[len(snapshots)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 3, last.Synced)

	_, err = manager.Sync(context.Background(), testTenant)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ScheduleRunsPass(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newMemoryQueue("a")
	manager := NewManager(queue, echoTransport{}, NewStaticTokenProvider("t"), DefaultConfig(), zap.NewNop())
	progress := manager.Subscribe(10)

	manager.Schedule(testTenant, 10*time.Millisecond)

	select {
	case p := <-progress:
		for !p.Done {
			p = <-progress
		}
		assert.Equal(t, 1, p.Synced)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled sync did not run")
	}

	manager.Close()
}

func TestManager_CloseStopsPendingSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newMemoryQueue("a")
	manager := NewManager(queue, echoTransport{}, NewStaticTokenProvider("t"), DefaultConfig(), zap.NewNop())

	manager.Schedule(testTenant, time.Hour)
	manager.Schedule(testTenant, time.Hour)
	manager.Close()

	pending, err := queue.ListPending(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
