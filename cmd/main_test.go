package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineWithoutModel(t *testing.T) {
	out := &bytes.Buffer{}
	app := newApp(out)
	baseArgs := os.Args[0:1]

	err := app.Run(append(baseArgs, "--offline", "--modelFolder", t.TempDir()))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "--- bug reproduction script ---", lines[0])
	assert.Contains(t, lines[1], " version: ")
	assert.Contains(t, lines[2], " version: ")
	assert.Equal(t, "loading model 'sshleifer/tiny-gpt2' with dtype=bfloat16 on device='cpu'...", lines[3])
}

func TestUnknownFlag(t *testing.T) {
	app := newApp(&bytes.Buffer{})
	app.ErrWriter = &bytes.Buffer{}
	err := app.Run([]string{"beamrepro", "--batchSize", "4"})
	assert.Error(t, err)
}
