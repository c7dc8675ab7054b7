package main

import (
	"testing"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDevices(t *testing.T) {
	devices, err := buildDevices(options{addresses: []int{1, 101}, outputs: 2}, logger.Nop())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 101, devices[1].Address())
	assert.Len(t, devices[0].Outputs(), 2)
}

func TestBuildDevices_Errors(t *testing.T) {
	_, err := buildDevices(options{addresses: []int{200}}, logger.Nop())
	assert.Error(t, err)

	_, err = buildDevices(options{addresses: []int{1}, masterKey: "nothex"}, logger.Nop())
	assert.Error(t, err)
}

func TestCommandFlags(t *testing.T) {
	cmd := command()
	require.NoError(t, cmd.ParseFlags([]string{"--address", "3,4", "--master-key", "01020304050607080910111213141516"}))
	v, err := cmd.Flags().GetIntSlice("address")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, v)
}
