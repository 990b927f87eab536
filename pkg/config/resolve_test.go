package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func newTestResolver(t *testing.T) (*Resolver, *DocumentStore) {
	t.Helper()
	ds, err := NewDocumentStore(t.TempDir(), 3)
	require.NoError(t, err)

	catalogs := NewCatalogs()
	catalogs.Base["RELEASE_M1"] = types.ConfigDocument{"base": true}
	catalogs.HardwareBoard["BOARD_X"] = types.ConfigDocument{"hw": true}

	metadata := Catalog{
		"controller.managed": types.MetadataEntry{Type: "bool", Action: types.ActionNone},
		"radio.power":         types.MetadataEntry{Type: "int", Action: types.ActionReloadMinion},
	}

	r, err := NewResolver(ds, catalogs, metadata, nil)
	require.NoError(t, err)
	return r, ds
}

func TestResolveManagedNodeWithFlagTrue(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.SetNetworkOverride(types.ConfigDocument{
		"controller": types.ConfigDocument{"managed": true},
	}, time.Now())
	require.NoError(t, err)

	node := &types.StatusReport{MAC: "aa:bb:cc:dd:ee:ff", NodeName: "node1", SoftwareVer: "RELEASE_M1", HardwareBoardID: "BOARD_X"}
	result := r.Resolve(node)

	assert.True(t, result.Managed)
	assert.Equal(t, true, result.Effective["base"])
	assert.Equal(t, true, result.Effective["hw"])
}

func TestResolveUnmanagedWhenBaseEmpty(t *testing.T) {
	r, _ := newTestResolver(t)
	node := &types.StatusReport{MAC: "aa:bb:cc:dd:ee:ff", NodeName: "node1", SoftwareVer: "RELEASE_M9"}
	result := r.Resolve(node)
	assert.False(t, result.Managed)
}

func TestSetUserNodeOverrideRunsHooksAndPersists(t *testing.T) {
	ds, err := NewDocumentStore(t.TempDir(), 3)
	require.NoError(t, err)
	catalogs := NewCatalogs()
	metadata := Catalog{}

	lookup := fakeLookup{"node2": "fe80::2"}
	hooks := []Hook{TunnelEndpointResolverHook(lookup)}

	r, err := NewResolver(ds, catalogs, metadata, hooks)
	require.NoError(t, err)

	userDoc := types.ConfigDocument{
		"tunnelConfig": types.ConfigDocument{
			"t1": types.ConfigDocument{"dstNodeName": "node2"},
		},
	}
	errs, err := r.SetUserNodeOverride("node1", userDoc, time.Now())
	require.NoError(t, err)
	assert.Empty(t, errs)

	node := &types.StatusReport{MAC: "mac1", NodeName: "node1"}
	result := r.Resolve(node)
	tunnels := result.Effective["tunnelConfig"].(types.ConfigDocument)
	t1 := tunnels["t1"].(types.ConfigDocument)
	assert.Equal(t, "fe80::2", t1["dstIp"])
}

type fakeLookup map[string]string

func (f fakeLookup) IPv6For(nodeName string) (string, bool) {
	ip, ok := f[nodeName]
	return ip, ok
}
