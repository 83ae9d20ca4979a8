package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"bundler", "debug", "status", "backup", "restore", "version"} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestConfigFlagIsSharedBySubcommands(t *testing.T) {
	flag := runBundlerCmd.InheritedFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, defaultConfigPath, flag.DefValue)
}
