package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

type fakeService struct {
	name      string
	startErr  error
	stopErr   error
	started   bool
	stopped   bool
	log       *[]string
}

func (s *fakeService) Start(ctx context.Context) error {
	s.started = true
	return s.startErr
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.stopped = true
	if s.log != nil {
		*s.log = append(*s.log, s.name)
	}
	return s.stopErr
}

func TestBundledPluginDefaultsDisabled(t *testing.T) {
	r := NewRegistry()
	r.Register(contracts.Descriptor{ID: "builtin-echo", DefaultOff: true}, nil)
	require.False(t, r.Enabled("builtin-echo"))
}

func TestConfigEntryOverridesDefaultOff(t *testing.T) {
	r := NewRegistry()
	r.Register(contracts.Descriptor{ID: "builtin-echo", DefaultOff: true}, &models.PluginEntryConfig{ID: "builtin-echo", Enabled: true})
	require.True(t, r.Enabled("builtin-echo"))
}

func TestStartContinuesAfterOneServiceFails(t *testing.T) {
	r := NewRegistry()
	svcA := &fakeService{name: "a", startErr: errors.New("boom")}
	svcB := &fakeService{name: "b"}

	r.Register(contracts.Descriptor{ID: "p1", Register: func(api contracts.PluginRuntime) error {
		api.RegisterService("a", svcA)
		api.RegisterService("b", svcB)
		return nil
	}}, nil)

	require.NoError(t, r.Activate())
	r.Start(context.Background())

	require.True(t, svcA.started)
	require.True(t, svcB.started, "a failing service must not prevent b from starting")
}

func TestStopRunsInReverseOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	svcA := &fakeService{name: "a", log: &order}
	svcB := &fakeService{name: "b", log: &order}

	r.Register(contracts.Descriptor{ID: "p1", Register: func(api contracts.PluginRuntime) error {
		api.RegisterService("a", svcA)
		api.RegisterService("b", svcB)
		return nil
	}}, nil)
	require.NoError(t, r.Activate())
	r.Start(context.Background())
	r.Stop(context.Background())

	require.True(t, svcA.stopped)
	require.True(t, svcB.stopped)
	require.Equal(t, []string{"b", "a"}, order)
}

func TestEligibleEvaluatesConfigPredicate(t *testing.T) {
	hook := models.Hook{ID: "notify", Requires: models.HookRequirements{Config: map[string]string{"webhookURL": "len(value) > 0"}}}
	require.False(t, Eligible(hook, map[string]interface{}{"webhookURL": ""}))
	require.True(t, Eligible(hook, map[string]interface{}{"webhookURL": "https://example.com"}))
}

func TestEligibleMissingPayloadKeyIsIneligible(t *testing.T) {
	hook := models.Hook{ID: "notify", Requires: models.HookRequirements{Config: map[string]string{"webhookURL": "len(value) > 0"}}}
	require.False(t, Eligible(hook, map[string]interface{}{}))
}
