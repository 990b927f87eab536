package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func TestHTTPSwarmSeedReturnsMagnetURI(t *testing.T) {
	s, err := NewHTTPSwarm("tracker.example:6969", SwarmPolicy{Port: 0, MaxActiveSeeds: 2})
	require.NoError(t, err)
	defer s.Stop()

	uri, err := s.Seed(types.Image{Version: "RELEASE_M1", MD5: "abc123"})
	require.NoError(t, err)
	assert.Contains(t, uri, "magnet:?xt=urn:btih:")
	assert.Contains(t, uri, "tracker.example:6969")
	assert.Equal(t, 1, s.ActiveSeeds())
}

func TestHTTPSwarmEnforcesActiveSeedCap(t *testing.T) {
	s, err := NewHTTPSwarm("tracker.example:6969", SwarmPolicy{Port: 0, MaxActiveSeeds: 1})
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Seed(types.Image{Version: "RELEASE_M1", MD5: "a"})
	require.NoError(t, err)
	_, err = s.Seed(types.Image{Version: "RELEASE_M2", MD5: "b"})
	require.Error(t, err)
}

func TestHTTPSwarmReseedingSameVersionDoesNotCountTwice(t *testing.T) {
	s, err := NewHTTPSwarm("tracker.example:6969", SwarmPolicy{Port: 0, MaxActiveSeeds: 1})
	require.NoError(t, err)
	defer s.Stop()

	img := types.Image{Version: "RELEASE_M1", MD5: "a"}
	_, err = s.Seed(img)
	require.NoError(t, err)
	_, err = s.Seed(img)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveSeeds())
}

func TestHTTPSwarmUnseedRemovesImage(t *testing.T) {
	s, err := NewHTTPSwarm("tracker.example:6969", SwarmPolicy{Port: 0, MaxActiveSeeds: 2})
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Seed(types.Image{Version: "RELEASE_M1", MD5: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Unseed("RELEASE_M1"))
	assert.Equal(t, 0, s.ActiveSeeds())
}

func TestBuildMagnetURIIsDeterministic(t *testing.T) {
	img := types.Image{Version: "RELEASE_M1", MD5: "abc123"}
	a := buildMagnetURI(img, "tracker")
	b := buildMagnetURI(img, "tracker")
	assert.Equal(t, a, b)
}
