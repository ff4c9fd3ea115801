package liveprogress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcheval/internal/model"
)

type fakeSubscriber struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	received []model.ProgressEvent
	failSend bool
	closed   bool
}

func newFakeSubscriber(id string) *fakeSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSubscriber{id: id, ctx: ctx, cancel: cancel}
}

func (f *fakeSubscriber) ID() string                   { return f.id }
func (f *fakeSubscriber) Context() context.Context     { return f.ctx }
func (f *fakeSubscriber) Close() error                 { f.closed = true; f.cancel(); return nil }
func (f *fakeSubscriber) Send(e model.ProgressEvent) error {
	if f.failSend {
		return assert.AnError
	}
	f.received = append(f.received, e)
	return nil
}

func TestBroadcaster_PublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	s1, s2 := newFakeSubscriber("s1"), newFakeSubscriber("s2")
	b.Subscribe(s1)
	b.Subscribe(s2)

	b.Publish(model.ProgressEvent{Kind: model.ProgressStarted})

	require.Len(t, s1.received, 1)
	require.Len(t, s2.received, 1)
	assert.Equal(t, 2, b.Count())
}

func TestBroadcaster_DropsSubscriberOnSendFailure(t *testing.T) {
	b := New(nil)
	bad := newFakeSubscriber("bad")
	bad.failSend = true
	b.Subscribe(bad)

	b.Publish(model.ProgressEvent{Kind: model.ProgressProgress})

	assert.Equal(t, 0, b.Count())
	assert.True(t, bad.closed)
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := New(nil)
	s := newFakeSubscriber("s")
	b.Subscribe(s)
	require.Equal(t, 1, b.Count())

	s.cancel()

	require.Eventually(t, func() bool {
		return b.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_CloseClosesAllSubscribers(t *testing.T) {
	b := New(nil)
	s1, s2 := newFakeSubscriber("s1"), newFakeSubscriber("s2")
	b.Subscribe(s1)
	b.Subscribe(s2)

	b.Close()

	assert.True(t, s1.closed)
	assert.True(t, s2.closed)
	assert.Equal(t, 0, b.Count())
}
