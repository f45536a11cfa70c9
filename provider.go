package beamrepro

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/knights-analytics/beamrepro/backends"
	"github.com/knights-analytics/beamrepro/generation"
	"github.com/knights-analytics/beamrepro/options"
)

// Status tells whether an acquisition produced a model.
type Status int

const (
	// Loaded means the model and tokenizer are ready.
	Loaded Status = iota
	// EnvironmentUnavailable means the host cannot provide the model: files, runtime or device are missing.
	EnvironmentUnavailable
)

func (s Status) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case EnvironmentUnavailable:
		return "environment unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Model is a loaded causal language model.
type Model interface {
	generation.LogitsModel
	// Eval switches the model to inference mode.
	Eval()
}

// Tokenizer encodes text to token ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Request identifies the model to acquire and how to place it.
type Request struct {
	ModelID string
	DType   options.DType
	Device  options.Device
}

// Acquisition is the outcome of Provider.Acquire. Model, Tokenizer and Release are set when Status is
// Loaded, Reason when it is EnvironmentUnavailable.
type Acquisition struct {
	Model     Model
	Tokenizer Tokenizer
	Reason    error
	Release   func() error
	Device    options.Device
	Status    Status
}

// Provider acquires models and reports the libraries it runs them with.
type Provider interface {
	// Acquire returns an error only for failures that are not EnvironmentUnavailable.
	Acquire(ctx context.Context, req Request) (Acquisition, error)
	// Libraries returns the module paths of the inference runtime binding and the tokenizer library.
	Libraries() []string
}

var backendLibraries = map[string][]string{
	"ORT": {"github.com/yalue/onnxruntime_go", "github.com/daulet/tokenizers"},
	"GO":  {"github.com/advancedclimatesystems/gonnx", "github.com/sugarme/tokenizer"},
}

// ModelProvider loads onnx models from disk or the Huggingface hub with the backends package.
type ModelProvider struct {
	logger          *zap.Logger
	runtime         *options.Options
	backend         string
	modelsDir       string
	backendOptions  []options.WithOption
	downloadOptions DownloadOptions
	mu              sync.Mutex
	offline         bool
}

// ProviderOption is the interface for all provider option functions.
type ProviderOption func(p *ModelProvider)

// WithModelsDir sets the folder where downloaded models are stored. Defaults to $HOME/beamrepro/models.
func WithModelsDir(dir string) ProviderOption {
	return func(p *ModelProvider) {
		p.modelsDir = dir
	}
}

// WithOffline disables downloads: models must already be on disk.
func WithOffline(offline bool) ProviderOption {
	return func(p *ModelProvider) {
		p.offline = offline
	}
}

func WithDownloadOptions(downloadOptions DownloadOptions) ProviderOption {
	return func(p *ModelProvider) {
		p.downloadOptions = downloadOptions
	}
}

// WithBackendOptions adds options applied on top of the dtype and device of each request,
// e.g. options.WithOnnxLibraryPath for ORT.
func WithBackendOptions(opts ...options.WithOption) ProviderOption {
	return func(p *ModelProvider) {
		p.backendOptions = append(p.backendOptions, opts...)
	}
}

func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *ModelProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider creates a provider for the "ORT" or "GO" backend. The backend runtime is only
// initialised by the first Acquire.
func NewProvider(backend string, opts ...ProviderOption) (*ModelProvider, error) {
	if _, ok := backendLibraries[backend]; !ok {
		return nil, fmt.Errorf("backend %s not recognized", backend)
	}
	p := &ModelProvider{
		backend:         backend,
		downloadOptions: NewDownloadOptions(),
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *ModelProvider) Libraries() []string {
	return append([]string(nil), backendLibraries[p.backend]...)
}

// Acquire resolves, downloads if needed, and loads the requested model.
func (p *ModelProvider) Acquire(ctx context.Context, req Request) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, err
	}
	opts, err := p.options(req)
	if err != nil {
		return classify(err)
	}
	modelPath, err := p.resolveModel(ctx, req.ModelID)
	if err != nil {
		return classify(err)
	}
	p.logger.Debug("loading model", zap.String("path", modelPath), zap.String("backend", p.backend))
	model, err := backends.LoadModel(modelPath, p.downloadOptions.OnnxFilePath, opts)
	if err != nil {
		return classify(err)
	}
	return Acquisition{
		Status:    Loaded,
		Model:     model,
		Tokenizer: model.Tokenizer,
		Device:    model.Device,
		Release:   model.Destroy,
	}, nil
}

// options builds the backend options of a request, initialising the runtime on first use.
func (p *ModelProvider) options(req Request) (*options.Options, error) {
	opts := options.Defaults()
	opts.Backend = p.backend
	applied := []options.WithOption{options.WithDType(req.DType), options.WithDevice(req.Device)}
	for _, opt := range append(applied, p.backendOptions...) {
		if err := opt(opts); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runtime == nil {
		if err := backends.InitialiseRuntime(opts); err != nil {
			return nil, err
		}
		p.runtime = opts
		p.logger.Debug("runtime initialised", zap.String("backend", p.backend), zap.String("device", string(opts.Device)))
		return opts, nil
	}
	if p.runtime.Device != opts.Device {
		return nil, fmt.Errorf("%w: runtime was initialised for %s, %s requested", backends.ErrDeviceUnavailable, p.runtime.Device, opts.Device)
	}
	opts.BackendOptions = p.runtime.BackendOptions
	return opts, nil
}

// Destroy releases the backend runtime. Models acquired from the provider must be released first.
func (p *ModelProvider) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runtime == nil {
		return nil
	}
	err := p.runtime.Destroy()
	p.runtime = nil
	return err
}

// classify turns environment failures into an EnvironmentUnavailable acquisition and passes any other
// error through.
func classify(err error) (Acquisition, error) {
	if environmentUnavailable(err) {
		return Acquisition{Status: EnvironmentUnavailable, Reason: err}, nil
	}
	return Acquisition{}, err
}

func environmentUnavailable(err error) bool {
	for _, target := range []error{
		backends.ErrMissingModelFiles,
		backends.ErrRuntimeUnavailable,
		backends.ErrDeviceUnavailable,
		options.ErrLibraryNotFound,
		ErrModelNotFound,
		ErrDownloadFailed,
		ErrDownloadDisabled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
