package beamrepro

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/beamrepro/backends"
	"github.com/knights-analytics/beamrepro/options"
)

func newTestProvider(t *testing.T, modelsDir string) *ModelProvider {
	t.Helper()
	p, err := NewProvider("GO", WithModelsDir(modelsDir), WithOffline(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, p.Destroy())
	})
	return p
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider("TPU")
	assert.Error(t, err)

	p, err := NewProvider("GO")
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com/advancedclimatesystems/gonnx", "github.com/sugarme/tokenizer"}, p.Libraries())

	p, err = NewProvider("ORT")
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com/yalue/onnxruntime_go", "github.com/daulet/tokenizers"}, p.Libraries())
}

func TestAcquireOfflineMissingModel(t *testing.T) {
	p := newTestProvider(t, t.TempDir())
	acquisition, err := p.Acquire(context.Background(), Request{ModelID: "nobody/missing-model", DType: options.BFloat16, Device: options.CPU})
	require.NoError(t, err)
	assert.Equal(t, EnvironmentUnavailable, acquisition.Status)
	assert.ErrorIs(t, acquisition.Reason, ErrModelNotFound)
	assert.Nil(t, acquisition.Model)
}

func TestAcquireMissingModelFiles(t *testing.T) {
	modelsDir := t.TempDir()
	downloaded := filepath.Join(modelsDir, "nobody_empty-model")
	require.NoError(t, os.Mkdir(downloaded, 0o755))

	p := newTestProvider(t, modelsDir)
	path, err := p.resolveModel(context.Background(), "nobody/empty-model")
	require.NoError(t, err)
	assert.Equal(t, downloaded, path)

	acquisition, err := p.Acquire(context.Background(), Request{ModelID: "nobody/empty-model", DType: options.BFloat16, Device: options.CPU})
	require.NoError(t, err)
	assert.Equal(t, EnvironmentUnavailable, acquisition.Status)
	assert.ErrorIs(t, acquisition.Reason, backends.ErrMissingModelFiles)
}

func TestAcquirePropagatesBrokenModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600))

	p := newTestProvider(t, t.TempDir())
	acquisition, err := p.Acquire(context.Background(), Request{ModelID: dir, DType: options.Float32, Device: options.CPU})
	assert.Error(t, err)
	assert.Nil(t, acquisition.Model)
}

func TestAcquireDeviceMismatch(t *testing.T) {
	p := newTestProvider(t, t.TempDir())
	_, err := p.options(Request{DType: options.BFloat16, Device: options.CPU})
	require.NoError(t, err)
	_, err = p.options(Request{DType: options.BFloat16, Device: options.CUDA})
	assert.ErrorIs(t, err, backends.ErrDeviceUnavailable)

	acquisition, err := p.Acquire(context.Background(), Request{ModelID: "nobody/missing-model", DType: options.BFloat16, Device: options.CUDA})
	require.NoError(t, err)
	assert.Equal(t, EnvironmentUnavailable, acquisition.Status)
}

func TestAcquireInvalidRequest(t *testing.T) {
	p := newTestProvider(t, t.TempDir())
	_, err := p.Acquire(context.Background(), Request{ModelID: "nobody/missing-model", DType: "int4", Device: options.CPU})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, Request{ModelID: "nobody/missing-model", DType: options.BFloat16, Device: options.CPU})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackendOptions(t *testing.T) {
	p, err := NewProvider("GO", WithOffline(true), WithBackendOptions(options.WithTelemetry()))
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), Request{ModelID: "nobody/missing-model", DType: options.BFloat16, Device: options.CPU})
	assert.ErrorContains(t, err, "only supported for ORT")
}

func TestAcquireMissingOnnxLibrary(t *testing.T) {
	p, err := NewProvider("ORT", WithOffline(true), WithBackendOptions(options.WithOnnxLibraryPath(t.TempDir())))
	require.NoError(t, err)
	acquisition, err := p.Acquire(context.Background(), Request{ModelID: "nobody/missing-model", DType: options.BFloat16, Device: options.CPU})
	require.NoError(t, err)
	assert.Equal(t, EnvironmentUnavailable, acquisition.Status)
	assert.ErrorIs(t, acquisition.Reason, options.ErrLibraryNotFound)
	assert.NoError(t, p.Destroy())
}

func TestDownloadedModelPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/models", "sshleifer_tiny-gpt2"), downloadedModelPath("/models", "sshleifer/tiny-gpt2"))
	assert.Equal(t, filepath.Join("/models", "org_name"), downloadedModelPath("/models", "org/name:onnx"))
	assert.Equal(t, "s3://bucket/models/org_name", downloadedModelPath("s3://bucket/models", "org/name"))
}

func TestModuleVersionUnknown(t *testing.T) {
	assert.Equal(t, "unknown", ModuleVersion("example.com/not-a-dependency"))
}
