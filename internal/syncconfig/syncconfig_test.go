package syncconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegatekit/shadowmgr/internal/config"
)

func TestNewExpandsListForm(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocuments: []config.ShadowDocumentEntry{
			{ThingName: "thing-a", ClassicShadow: true, NamedShadows: []string{"config", "firmware"}},
			{ThingName: "thing-b", NamedShadows: []string{"config"}},
		},
	}

	c, err := New(cfg, nil)
	require.NoError(t, err)

	assert.True(t, c.IsSynced("thing-a", ""))
	assert.True(t, c.IsSynced("thing-a", "config"))
	assert.True(t, c.IsSynced("thing-a", "firmware"))
	assert.True(t, c.IsSynced("thing-b", "config"))
	assert.False(t, c.IsSynced("thing-b", ""))
	assert.False(t, c.IsSynced("thing-c", ""))
}

func TestNewExpandsMapForm(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocumentsMap: map[string]config.ShadowDocumentMapEntry{
			"thing-a": {ClassicShadow: true},
		},
	}

	c, err := New(cfg, nil)
	require.NoError(t, err)

	assert.True(t, c.IsSynced("thing-a", ""))
}

func TestNewRejectsBothListAndMapForms(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocuments:    []config.ShadowDocumentEntry{{ThingName: "thing-a", ClassicShadow: true}},
		ShadowDocumentsMap: map[string]config.ShadowDocumentMapEntry{"thing-b": {ClassicShadow: true}},
	}

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestNewRejectsInvalidThingName(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocuments: []config.ShadowDocumentEntry{
			{ThingName: "bad thing!", ClassicShadow: true},
		},
	}

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestNewRejectsInvalidShadowName(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocuments: []config.ShadowDocumentEntry{
			{ThingName: "thing-a", NamedShadows: []string{"bad shadow!"}},
		},
	}

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestNewRequiresProviderWhenCoreThingSet(t *testing.T) {
	cfg := config.SynchronizeConfig{
		CoreThing: config.CoreThingConfig{ClassicShadow: true},
	}

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestNewAppliesCoreThingFromProvider(t *testing.T) {
	cfg := config.SynchronizeConfig{
		CoreThing: config.CoreThingConfig{ClassicShadow: true, NamedShadows: []string{"config"}},
	}

	c, err := New(cfg, StaticThingNameProvider("gateway-01"))
	require.NoError(t, err)

	assert.True(t, c.IsSynced("gateway-01", ""))
	assert.True(t, c.IsSynced("gateway-01", "config"))
}

// notifyingProvider is a ThingNameProvider whose OnChange callback can be
// invoked by tests to simulate a platform thing-name change.
type notifyingProvider struct {
	current  string
	callback func(string)
}

func (p *notifyingProvider) Current() string { return p.current }
func (p *notifyingProvider) OnChange(cb func(string)) {
	p.callback = cb
}
func (p *notifyingProvider) fire(newName string) {
	p.current = newName
	if p.callback != nil {
		p.callback(newName)
	}
}

func TestCoreThingFollowsThingNameChange(t *testing.T) {
	cfg := config.SynchronizeConfig{
		CoreThing: config.CoreThingConfig{ClassicShadow: true},
	}
	provider := &notifyingProvider{current: "gateway-01"}

	c, err := New(cfg, provider)
	require.NoError(t, err)
	require.True(t, c.IsSynced("gateway-01", ""))

	provider.fire("gateway-02")

	assert.False(t, c.IsSynced("gateway-01", ""))
	assert.True(t, c.IsSynced("gateway-02", ""))
}

func TestCoreThingChangeLeavesOtherEntriesIntact(t *testing.T) {
	cfg := config.SynchronizeConfig{
		CoreThing:       config.CoreThingConfig{ClassicShadow: true},
		ShadowDocuments: []config.ShadowDocumentEntry{{ThingName: "sensor-1", ClassicShadow: true}},
	}
	provider := &notifyingProvider{current: "gateway-01"}

	c, err := New(cfg, provider)
	require.NoError(t, err)

	provider.fire("gateway-02")

	assert.True(t, c.IsSynced("sensor-1", ""))
	assert.True(t, c.IsSynced("gateway-02", ""))
}

func TestDirectionDefaultsToBidi(t *testing.T) {
	c, err := New(config.SynchronizeConfig{}, nil)
	require.NoError(t, err)

	assert.True(t, c.AllowDeviceToCloud())
	assert.True(t, c.AllowCloudToDevice())
}

func TestDirectionDeviceToCloudBlocksCloudToDevice(t *testing.T) {
	cfg := config.SynchronizeConfig{Direction: config.DirectionDeviceToCloud}
	c, err := New(cfg, nil)
	require.NoError(t, err)

	assert.True(t, c.AllowDeviceToCloud())
	assert.False(t, c.AllowCloudToDevice())
}

func TestEntriesSnapshotMatchesConfiguredSet(t *testing.T) {
	cfg := config.SynchronizeConfig{
		ShadowDocuments: []config.ShadowDocumentEntry{
			{ThingName: "thing-a", ClassicShadow: true, NamedShadows: []string{"config"}},
		},
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)

	entries := c.Entries()
	require.Len(t, entries, 2)

	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.Thing+"/"+e.ShadowName] = true
	}
	assert.True(t, seen["thing-a/"])
	assert.True(t, seen["thing-a/config"])
}
