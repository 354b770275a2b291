package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCaps(t *testing.T) {
	assert.Nil(t, splitCaps(""))
	assert.Equal(t, []string{"code", "search"}, splitCaps(" code, ,search,"))
}

func TestTaskArg(t *testing.T) {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	require.NoError(t, fs.Parse([]string{"--json", "fix", "the", "build"}))
	task, err := taskArg(fs)
	require.NoError(t, err)
	assert.Equal(t, "fix the build", task)
	assert.True(t, cf.json)

	fs = flag.NewFlagSet("y", flag.ContinueOnError)
	require.NoError(t, fs.Parse(nil))
	_, err = taskArg(fs)
	assert.Error(t, err)
}
