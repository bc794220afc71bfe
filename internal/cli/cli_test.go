package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI("1.2.3")

	assert.NotNil(t, cmd)
	assert.Equal(t, "codebridge", cmd.Use)

	commands := cmd.Commands()
	assert.Len(t, commands, 3)

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["status"])
	assert.True(t, names["version"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand("1.2.3")

	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)

	workspaceFlag := cmd.Flags().Lookup("workspace")
	assert.NotNil(t, workspaceFlag)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildVersionCommand(t *testing.T) {
	cmd := buildVersionCommand("1.2.3")

	assert.Equal(t, "version", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}
