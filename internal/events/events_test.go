// ABOUTME: Tests for the domain event broadcaster
// ABOUTME: Covers project filtering, wildcard subscribers, drops, and ctx cleanup

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_ProjectAndWildcard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroadcaster(nil)

	projA, _ := b.Subscribe(ctx, "ProjectA")
	all, _ := b.Subscribe(ctx, AllProjects)

	b.Publish(New(KindCheckedIn, "ProjectA", "agent", ""))
	b.Publish(New(KindCheckedIn, "ProjectB", "agent", ""))

	assert.Equal(t, "ProjectA", recv(t, projA).Project)
	assert.Equal(t, "ProjectA", recv(t, all).Project)
	assert.Equal(t, "ProjectB", recv(t, all).Project)

	select {
	case ev := <-projA:
		t.Fatalf("unexpected event for ProjectA subscriber: %+v", ev)
	default:
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(context.Background(), "P")

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(New(KindCommandSent, "P", "a", "whoami"))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(ctx, "P")
	require.Equal(t, 1, b.SubscriberCount("P"))

	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount("P") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestNew_StampsIDAndTime(t *testing.T) {
	ev := New(KindCommandCompleted, "P", "a", "WIN\\user")
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, KindCommandCompleted, ev.Kind)
}
