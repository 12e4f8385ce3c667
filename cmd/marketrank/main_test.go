package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/config"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "ingest", "dlq", "lock", "health", "freshness", "snapshot", "maintenance"} {
		assert.Contains(t, names, want)
	}

	dlqCmd, _, err := root.Find([]string{"dlq", "requeue"})
	require.NoError(t, err)
	assert.Equal(t, "requeue", dlqCmd.Name())
}

func TestDLQPurge_RequiresConfirmation(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"dlq", "purge", "--log-json"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	require.NoError(t, setupLogging(config.LogConfig{Level: "DEBUG", JSON: true}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	require.Error(t, setupLogging(config.LogConfig{Level: "loud"}))
}
