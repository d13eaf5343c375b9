package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.push(i))
	}
	for i := 0; i < 100; i++ {
		v, st := q.tryRecv()
		require.Equal(t, recvOK, st)
		require.Equal(t, i, v)
	}
	_, st := q.tryRecv()
	assert.Equal(t, recvEmpty, st)
}

func TestQueue_CloseDrainsThenReportsClosed(t *testing.T) {
	q := newQueue[string]()
	q.push("a")
	q.close()
	q.close()

	assert.False(t, q.push("b"), "push after close is dropped")

	v, st := q.tryRecv()
	require.Equal(t, recvOK, st)
	assert.Equal(t, "a", v)

	_, st = q.tryRecv()
	assert.Equal(t, recvClosed, st)
	_, st = q.tryRecv()
	assert.Equal(t, recvClosed, st)
}

func TestQueue_ReadySignalsPush(t *testing.T) {
	q := newQueue[int]()

	select {
	case <-q.readyChan():
		t.Fatal("empty queue should not be ready")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(1)
	}()

	select {
	case <-q.readyChan():
	case <-time.After(2 * time.Second):
		t.Fatal("push did not signal")
	}
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	type item struct{ producer, seq int }
	q := newQueue[item]()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.push(item{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	count := 0
	for {
		v, st := q.tryRecv()
		if st != recvOK {
			break
		}
		require.Greater(t, v.seq, last[v.producer])
		last[v.producer] = v.seq
		count++
	}
	assert.Equal(t, 1000, count)
}

func TestCompletion(t *testing.T) {
	c := newCompletion()
	_, ready, _ := c.poll()
	assert.False(t, ready)

	reason := AuthFailed
	assert.True(t, c.send(&reason))
	assert.False(t, c.send(nil), "only the first send counts")
	assert.False(t, c.drop())

	got, ready, err := c.poll()
	require.True(t, ready)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, AuthFailed, *got)

	// The stored reason is a copy.
	reason = SetDnsError
	got, _, _ = c.poll()
	assert.Equal(t, AuthFailed, *got)
}

func TestCompletion_Dropped(t *testing.T) {
	c := newCompletion()
	assert.True(t, c.drop())
	assert.False(t, c.send(nil))

	select {
	case <-c.doneChan():
	default:
		t.Fatal("dropped completion should be done")
	}
	got, ready, err := c.poll()
	assert.True(t, ready)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrCompletionDropped)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 60 * time.Second}
	tests := []struct {
		attempt uint32
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}
