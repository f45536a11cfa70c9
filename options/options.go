package options

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/knights-analytics/beamrepro/util/fileutil"
)

// DType is the numeric precision at which a model materialises its outputs.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// ErrLibraryNotFound is returned when the ONNX Runtime shared library is not in the given folder.
var ErrLibraryNotFound = errors.New("onnxruntime shared library not found")

// Device is where the backend session executes.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// ParseDType accepts the usual spellings of the supported dtypes ("bf16", "torch.bfloat16", "fp16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "torch.") {
	case "float32", "fp32", "float":
		return Float32, nil
	case "float16", "fp16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	default:
		return "", fmt.Errorf("dtype %q not supported", s)
	}
}

// ParseDevice accepts "cpu", "cuda" and "cuda:<n>".
func ParseDevice(s string) (Device, error) {
	d := strings.ToLower(strings.TrimSpace(s))
	switch {
	case d == "cpu":
		return CPU, nil
	case d == "cuda" || strings.HasPrefix(d, "cuda:"):
		return CUDA, nil
	default:
		return "", fmt.Errorf("device %q not supported", s)
	}
}

type Options struct {
	ORTOptions     *OrtOptions
	BackendOptions any
	Destroy        func() error
	Backend        string
	DType          DType
	Device         Device
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		DType:  Float32,
		Device: CPU,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDType sets the precision the model outputs are rounded to.
func WithDType(dtype DType) WithOption {
	return func(o *Options) error {
		switch dtype {
		case Float32, Float16, BFloat16:
			o.DType = dtype
			return nil
		default:
			return fmt.Errorf("dtype %q not supported", dtype)
		}
	}
}

// WithDevice sets the device placement. For ORT, CUDA placement enables the CUDA execution provider
// with default options unless WithCuda has been used.
func WithDevice(device Device) WithOption {
	return func(o *Options) error {
		switch device {
		case CPU:
			o.Device = device
			return nil
		case CUDA:
			o.Device = device
			if o.Backend == "ORT" && o.ORTOptions.CudaOptions == nil {
				o.ORTOptions.CudaOptions = map[string]string{}
			}
			return nil
		default:
			return fmt.Errorf("device %q not supported", device)
		}
	}
}

// WithOnnxLibraryPath (ORT only) Use this function to set the directory containing "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s does not exist at %q", ErrLibraryNotFound, libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) sets the options for the CUDA execution provider and places the session on CUDA.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		o.ORTOptions.CudaOptions = options
		o.Device = CUDA
		return nil
	}
}
