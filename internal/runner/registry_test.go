package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

type echoDriver struct {
	kind  string
	sleep time.Duration
}

func (d *echoDriver) Kind() string { return d.kind }

func (d *echoDriver) Run(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error) {
	out := make(chan contracts.Block, 1)
	go func() {
		defer close(out)
		if d.sleep > 0 {
			time.Sleep(d.sleep)
		}
		out <- contracts.Block{Text: req.Prompt, Final: true}
	}()
	return out, nil
}

func TestResolveRouteDefaultAgentWins(t *testing.T) {
	r := NewRegistry()
	r.SetRoutes(models.AgentsConfig{
		List: []models.AgentRouteConfig{
			{ID: "writer", Route: map[string]string{"driver": "claude"}},
			{ID: "coder", Default: true, Route: map[string]string{"driver": "codex"}},
		},
	})

	kind, agentID := r.ResolveRoute("epiloop:unknown")
	require.Equal(t, "codex", kind)
	require.Equal(t, "coder", agentID)
}

func TestResolveRouteExplicitAgentID(t *testing.T) {
	r := NewRegistry()
	r.SetRoutes(models.AgentsConfig{
		List: []models.AgentRouteConfig{
			{ID: "writer", Route: map[string]string{"driver": "claude"}},
		},
	})
	kind, agentID := r.ResolveRoute("epiloop:writer")
	require.Equal(t, "claude", kind)
	require.Equal(t, "writer", agentID)
}

func TestSubmitErrorsWithoutRegisteredDriver(t *testing.T) {
	r := NewRegistry()
	_, err := r.Submit(context.Background(), contracts.RunRequest{Route: "epiloop:ghost"})
	require.Error(t, err)
}

func TestSubmitRecordsEMALatency(t *testing.T) {
	r := NewRegistry()
	r.RegisterDriver(&echoDriver{kind: "claude"})
	r.SetRoutes(models.AgentsConfig{Defaults: map[string]string{"driver": "claude"}})

	_, err := r.Submit(context.Background(), contracts.RunRequest{Route: "epiloop:anything", Prompt: "hi"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, r.Latency("claude"), int64(0))
}

type flakyDriver struct {
	kind  string
	fails int
	calls int
}

func (d *flakyDriver) Kind() string { return d.kind }

func (d *flakyDriver) Run(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error) {
	d.calls++
	if d.calls <= d.fails {
		return nil, errors.New("connection reset")
	}
	out := make(chan contracts.Block, 1)
	out <- contracts.Block{Text: req.Prompt, Final: true}
	close(out)
	return out, nil
}

func TestSubmitRetriesTransientDriverFailure(t *testing.T) {
	r := NewRegistry()
	d := &flakyDriver{kind: "claude", fails: 2}
	r.RegisterDriver(d)
	r.SetRoutes(models.AgentsConfig{Defaults: map[string]string{"driver": "claude"}})

	_, err := r.Submit(context.Background(), contracts.RunRequest{Route: "epiloop:anything", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, 3, d.calls)
}
