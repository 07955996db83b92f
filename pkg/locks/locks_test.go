package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relokate/masterflow/pkg/models"
)

func TestLocal_SerializesSameFlow(t *testing.T) {
	locker := NewLocal()
	flowID := models.InternalFlowID("flow-internal-1")

	release, err := locker.Acquire(t.Context(), flowID)
	require.NoError(t, err)

	acquired := make(chan struct{})

	go func() {
		release2, err := locker.Acquire(context.Background(), flowID)
		if err == nil {
			close(acquired)
			release2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquisition succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquisition never completed after release")
	}
}

func TestLocal_DifferentFlowsIndependent(t *testing.T) {
	locker := NewLocal()

	release1, err := locker.Acquire(t.Context(), models.InternalFlowID("flow-1"))
	require.NoError(t, err)

	defer release1()

	done := make(chan struct{})

	go func() {
		release2, err := locker.Acquire(context.Background(), models.InternalFlowID("flow-2"))
		if err == nil {
			release2()
			close(done)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different flow blocked")
	}
}

func TestLocal_AcquireRespectsContext(t *testing.T) {
	locker := NewLocal()
	flowID := models.InternalFlowID("flow-1")

	release, err := locker.Acquire(t.Context(), flowID)
	require.NoError(t, err)

	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, flowID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_ReleaseIsIdempotent(t *testing.T) {
	locker := NewLocal()
	flowID := models.InternalFlowID("flow-1")

	release, err := locker.Acquire(t.Context(), flowID)
	require.NoError(t, err)

	release()
	release() // second call must be a no-op

	release2, err := locker.Acquire(t.Context(), flowID)
	require.NoError(t, err)
	release2()
}

func TestLocal_ConcurrentCounter(t *testing.T) {
	locker := NewLocal()
	flowID := models.InternalFlowID("flow-1")

	var (
		wg      sync.WaitGroup
		counter int
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			release, err := locker.Acquire(context.Background(), flowID)
			if err != nil {
				return
			}

			counter++

			release()
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, counter)
}
