package vana

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana/agent"
	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/dispatcher"
)

func TestVana_EndToEndRun(t *testing.T) {
	ctx := context.Background()
	v := New(func(o *Options) {
		o.Dispatch = func(o *dispatcher.Options) {
			o.BackoffInitial = time.Millisecond
		}
	})
	defer v.Close()

	v.RegisterAgent(agent.NewFunc("researcher", func(ctx context.Context, tc *core.TaskContext) (any, error) {
		if err := tc.Source("https://go.dev", "The Go Programming Language", 0.95); err != nil {
			return nil, err
		}
		return "findings", nil
	}))
	v.RegisterAgent(agent.NewFunc("writer", func(ctx context.Context, tc *core.TaskContext) (any, error) {
		assert.Equal(t, "findings", tc.Upstream["researcher"])
		return "report", nil
	}))

	sess, err := v.CreateSession(ctx, "user-1", map[string]string{"topic": "go"})
	require.NoError(t, err)

	att, err := v.Subscribe(ctx, sess.ID, broadcast.Live)
	require.NoError(t, err)
	defer v.Unsubscribe(att.Sub)

	_, err = v.RunSync(ctx, sess.ID, core.Sequential("research", "researcher", "writer"), json.RawMessage(`{"prompt":"go"}`))
	require.NoError(t, err)

	want := []core.EventType{
		core.EventAgentStart,
		core.EventResearchSource,
		core.EventAgentComplete,
		core.EventAgentStart,
		core.EventAgentComplete,
		core.EventPipelineComplete,
	}
	for _, typ := range want {
		select {
		case ev := <-att.Sub.Events():
			assert.Equal(t, typ, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}

	// A late subscriber replays the identical sequence from the log.
	late, err := v.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	defer v.Unsubscribe(late.Sub)
	require.Len(t, late.Replay, len(want))
	for i, typ := range want {
		assert.Equal(t, typ, late.Replay[i].Type)
	}
}

func TestVana_CancelWithoutRun(t *testing.T) {
	v := New()
	defer v.Close()

	sess, err := v.CreateSession(context.Background(), "user-1", nil)
	require.NoError(t, err)
	assert.Error(t, v.Cancel(sess.ID))
}
