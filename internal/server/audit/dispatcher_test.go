package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(sink, 8, logging.NewDiscardLogger())

	for _, k := range []Kind{KindLogin, KindRefresh, KindLogout} {
		d.Emit(context.Background(), NewEvent(k, "u1", time.Now()))
	}
	d.Close()

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, KindLogin, events[0].Kind)
	assert.Equal(t, KindRefresh, events[1].Kind)
	assert.Equal(t, KindLogout, events[2].Kind)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, logging.NewDiscardLogger())

	// first event is taken by the worker and blocks in the sink,
	// second fills the queue, the rest are dropped
	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	require.Eventually(t, func() bool { return len(d.ch) == 0 }, time.Second, time.Millisecond)
	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))

	assert.Equal(t, uint64(2), d.Dropped())

	close(sink.block)
	d.Close()
	assert.Len(t, sink.Events(), 2)
}

func TestDispatcher_EmitAfterCloseIsIgnored(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(sink, 4, logging.NewDiscardLogger())
	d.Close()
	d.Close()

	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	assert.Empty(t, sink.Events())
	assert.Equal(t, uint64(0), d.Dropped())
}

func TestDispatcher_SinkErrorDoesNotStopQueue(t *testing.T) {
	sink := &memSink{err: errors.New("down")}
	d := NewDispatcher(sink, 4, logging.NewDiscardLogger())

	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	d.Emit(context.Background(), NewEvent(KindLogout, "u1", time.Now()))
	d.Close()

	assert.Len(t, sink.Events(), 2)
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	d.Emit(context.Background(), NewEvent(KindLogin, "u1", time.Now()))
	d.Close()
	assert.Equal(t, uint64(0), d.Dropped())
}
