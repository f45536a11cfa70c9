package backends

import "errors"

var (
	// ErrMissingModelFiles is returned when the model folder lacks a file needed to load it.
	ErrMissingModelFiles = errors.New("model files missing")
	// ErrRuntimeUnavailable is returned when the inference runtime cannot be initialised.
	ErrRuntimeUnavailable = errors.New("inference runtime unavailable")
	// ErrDeviceUnavailable is returned when the requested device is not supported by the backend.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrSequenceTooLong is returned when a sequence has more tokens than the model has positions.
	ErrSequenceTooLong = errors.New("sequence longer than the model position limit")
	// ErrNotInferenceMode is returned when a forward pass is requested before Model.Eval.
	ErrNotInferenceMode = errors.New("model is not in inference mode")
)
