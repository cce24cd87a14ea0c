package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"task.created", "task.created", true},
		{"task.created", "task.updated", false},
		{"task.*", "task.created", true},
		{"task.*", "task.status.changed", false},
		{"task.**", "task.status.changed", true},
		{"task.**", "task.created", true},
		{"task.**", "task", true},
		{"*", "task", true},
		{"*", "task.created", false},
		{"**", "task.created", true},
		{"**", "project.member.added", true},
		{"*.created", "task.created", true},
		{"*.created", "project.created", true},
		{"*.created", "task.deleted", false},
		{"task.status.*", "task.status.changed", true},
	}

	for _, c := range cases {
		assert.Equalf(t, c.want, Match(c.pattern, c.eventType), "pattern=%q type=%q", c.pattern, c.eventType)
	}
}

func TestPublishOrderAndFiltering(t *testing.T) {
	b := New(nil)

	var calls []string
	b.Subscribe("task.*", func(ctx context.Context, evt Event) error {
		calls = append(calls, "first")
		return nil
	})
	b.Subscribe("**", func(ctx context.Context, evt Event) error {
		calls = append(calls, "second")
		return nil
	})
	b.Subscribe("project.*", func(ctx context.Context, evt Event) error {
		calls = append(calls, "never")
		return nil
	})

	err := b.Publish(context.Background(), Event{Type: "task.created"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestPublishRunsAllHandlersAndJoinsErrors(t *testing.T) {
	b := New(nil)

	boom := errors.New("boom")
	ran := 0
	b.Subscribe("task.created", func(ctx context.Context, evt Event) error {
		ran++
		return boom
	})
	b.Subscribe("task.created", func(ctx context.Context, evt Event) error {
		ran++
		return nil
	})

	err := b.Publish(context.Background(), Event{Type: "task.created"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, ran, "a failing handler must not stop later handlers")
}

func TestIsolatedRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)

	hit := false
	a.Subscribe("**", func(ctx context.Context, evt Event) error {
		hit = true
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Type: "task.created"}))
	assert.False(t, hit, "subscriptions must not leak across registries")
}
