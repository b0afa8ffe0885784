package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKeys_DeduplicatesByDisk(t *testing.T) {
	keys := lockKeys([]string{"/dev/sda1", "/dev/sda2", "/dev/sdb", ""})
	assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, keys)
}

func TestAcquireAll_Exclusive(t *testing.T) {
	locks := newDeviceLocks()
	ctx := context.Background()

	release1, err := locks.AcquireAll(ctx, "/dev/sda1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		// Same physical disk, different partition
		release2, err := locks.AcquireAll(ctx, "/dev/sda2")
		assert.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second job acquired a held disk lock")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed to the waiter")
	}
}

func TestAcquireAll_FIFOOrder(t *testing.T) {
	locks := newDeviceLocks()
	ctx := context.Background()

	release, err := locks.AcquireAll(ctx, "/dev/sda")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			rel, err := locks.AcquireAll(ctx, "/dev/sda")
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}()
		// Give each goroutine time to join the queue before the next
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquireAll_DifferentDisksIndependent(t *testing.T) {
	locks := newDeviceLocks()
	ctx := context.Background()

	release1, err := locks.AcquireAll(ctx, "/dev/sda")
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := locks.AcquireAll(ctx, "/dev/sdb")
		assert.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent disk lock blocked")
	}
}

func TestAcquireAll_CancelledWhileWaiting(t *testing.T) {
	locks := newDeviceLocks()

	release, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := locks.AcquireAll(ctx, "/dev/sda")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The holder can still release and a fresh acquire succeeds.
	release()
	rel, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)
	rel()
}

func TestAcquireAll_MultiDeviceRollbackOnCancel(t *testing.T) {
	locks := newDeviceLocks()

	// Hold sdb so the two-device acquire stalls on its second key.
	releaseB, err := locks.AcquireAll(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := locks.AcquireAll(ctx, "/dev/sda", "/dev/sdb")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	releaseB()

	// sda must have been rolled back.
	relA, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)
	relA()
}

func TestReserve_PositionFixedAtReservation(t *testing.T) {
	locks := newDeviceLocks()

	release, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)

	first := locks.Reserve("/dev/sda1")
	second := locks.Reserve("/dev/sda2")

	got := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	// The later reservation starts waiting before the earlier one; the
	// grant order must still follow reservation order.
	go func() {
		defer wg.Done()
		rel, err := second.Wait(context.Background())
		assert.NoError(t, err)
		got <- "second"
		rel()
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		rel, err := first.Wait(context.Background())
		assert.NoError(t, err)
		got <- "first"
		rel()
	}()
	time.Sleep(20 * time.Millisecond)

	release()
	wg.Wait()
	assert.Equal(t, "first", <-got)
	assert.Equal(t, "second", <-got)
}

func TestReserve_WaitCancelledGivesPositionsBack(t *testing.T) {
	locks := newDeviceLocks()

	release, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)

	res := locks.Reserve("/dev/sda", "/dev/sdb")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = res.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// sdb was taken during Reserve and must be free again.
	relB, err := locks.AcquireAll(context.Background(), "/dev/sdb")
	require.NoError(t, err)
	relB()

	release()
	relA, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)
	relA()
}

func TestRelease_Idempotent(t *testing.T) {
	locks := newDeviceLocks()

	release, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)
	release()
	release() // second call must not double-release

	rel, err := locks.AcquireAll(context.Background(), "/dev/sda")
	require.NoError(t, err)
	rel()
}
