package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

type fakeLister struct {
	entries []models.ChannelDirectoryEntry
}

func (f *fakeLister) ListDirectory(ctx context.Context, account string, kind models.DirectoryEntryKind) ([]models.ChannelDirectoryEntry, error) {
	return f.entries, nil
}

func TestResolveAmbiguousBestPicksHighestRank(t *testing.T) {
	r := New()
	plugin := &fakeLister{entries: []models.ChannelDirectoryEntry{
		{ID: "C1", Name: "ops", Kind: models.DirectoryChannel, Rank: 1},
		{ID: "C2", Name: "ops-eu", Kind: models.DirectoryChannel, Rank: 5},
	}}

	res, err := r.Resolve(context.Background(), Request{
		Channel: "slack", Account: "acct1", Input: "ops",
		PreferredKind: models.DirectoryChannel, ResolveAmbiguous: AmbiguousBest, Plugin: plugin,
	})
	require.NoError(t, err)
	require.Equal(t, "C2", res.Target)
}

func TestResolveAmbiguousErrorReturnsCandidates(t *testing.T) {
	r := New()
	plugin := &fakeLister{entries: []models.ChannelDirectoryEntry{
		{ID: "C1", Name: "ops", Kind: models.DirectoryChannel},
		{ID: "C2", Name: "ops-eu", Kind: models.DirectoryChannel, Rank: 5},
	}}

	_, err := r.Resolve(context.Background(), Request{
		Channel: "slack", Account: "acct1", Input: "ops",
		PreferredKind: models.DirectoryChannel, ResolveAmbiguous: AmbiguousError, Plugin: plugin,
	})
	require.Error(t, err)
	derr, ok := err.(*Error)
	require.True(t, ok)
	require.Len(t, derr.Candidates, 2)
}

func TestResolveTargetIDSkipsDirectory(t *testing.T) {
	r := New()
	res, err := r.Resolve(context.Background(), Request{
		Channel: "whatsapp", Input: "+15551234567",
	})
	require.NoError(t, err)
	require.Equal(t, "normalized", res.Source)
	require.Equal(t, "+15551234567", res.Target)
}

func TestDisplayFormatting(t *testing.T) {
	require.Equal(t, "#ops", Display(models.DirectoryChannel, "ops"))
	require.Equal(t, "@alice", Display(models.DirectoryUser, "alice"))
	require.Equal(t, "@+15551234567", Display(models.DirectoryUser, "+15551234567"))
}
