package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func TestCatalogsResolveBaseFirmwareHardware(t *testing.T) {
	c := NewCatalogs()
	c.Base["RELEASE_M77"] = types.ConfigDocument{"a": 1}
	c.Base["RELEASE_M78_1"] = types.ConfigDocument{"a": 2}
	c.Firmware["10.11.0"] = types.ConfigDocument{"fw": "old"}
	c.Firmware["10.11.0.3"] = types.ConfigDocument{"fw": "new"}
	c.HardwareBoard["NXP_LS1048A"] = types.ConfigDocument{"hw": true}

	assert.Equal(t, types.ConfigDocument{"a": 1}, c.ResolveBase("RELEASE_M77_2"))
	assert.Nil(t, c.ResolveBase("RELEASE_M50"))
	assert.Equal(t, types.ConfigDocument{"fw": "new"}, c.ResolveFirmware("10.11.0.5"))
	assert.Equal(t, types.ConfigDocument{"hw": true}, c.ResolveHardware("NXP_LS1048A"))
	assert.Nil(t, c.ResolveHardware("UNKNOWN"))
}
