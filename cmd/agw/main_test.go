package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "AGW_TEST_ENV_OR_DEFAULT"
	os.Unsetenv(key)
	defer os.Unsetenv(key)

	assert.Equal(t, "fallback", envOrDefault(key, "fallback"))

	os.Setenv(key, "from-env")
	assert.Equal(t, "from-env", envOrDefault(key, "fallback"))
}

func TestNewRootCmd_RegistersExpectedFlagsAndSubcommands(t *testing.T) {
	root := newRootCmd()

	expectedFlags := []string{
		"agq-address", "session-key", "worker-id", "name",
		"heartbeat-interval", "connection-timeout", "tools",
		"shutdown-timeout", "log-level",
	}
	for _, name := range expectedFlags {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), "expected flag %q to be registered", name)
	}

	expectedShorthands := map[string]string{
		"a": "agq-address",
		"k": "session-key",
		"w": "worker-id",
		"n": "name",
	}
	for shorthand, name := range expectedShorthands {
		flag := root.PersistentFlags().ShorthandLookup(shorthand)
		if assert.NotNil(t, flag, "expected shorthand -%s to be registered", shorthand) {
			assert.Equal(t, name, flag.Name)
		}
	}

	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "version" {
			found = true
		}
	}
	assert.True(t, found, "expected a version subcommand")
}
