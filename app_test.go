package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/router"
)

func TestSaveGraphWritesMermaid(t *testing.T) {
	topo, err := router.DescribeGraph()
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	var logs bytes.Buffer

	saveGraph(fs, "graphs", topo, slog.New(slog.NewTextHandler(&logs, nil)))

	data, err := afero.ReadFile(fs, filepath.Join("graphs", router.GraphFile))
	require.NoError(t, err)
	assert.Equal(t, topo.Mermaid(), string(data))
	assert.Contains(t, logs.String(), "chat graph saved")
}

func TestSaveGraphFailureOnlyWarns(t *testing.T) {
	topo, err := router.DescribeGraph()
	require.NoError(t, err)
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	var logs bytes.Buffer

	saveGraph(fs, "graphs", topo, slog.New(slog.NewTextHandler(&logs, nil)))

	exists, err := afero.Exists(fs, filepath.Join("graphs", router.GraphFile))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Contains(t, logs.String(), "chat graph not saved")
}
