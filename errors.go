package beamrepro

import "errors"

var (
	// ErrModelNotFound is returned when a model is neither available locally nor allowed to be downloaded.
	ErrModelNotFound = errors.New("model not found")
	// ErrDownloadFailed is returned when the hub listing, validation or file transfer of a model fails.
	ErrDownloadFailed = errors.New("model download failed")
	// ErrDownloadDisabled is returned by builds made with the NODOWNLOAD tag.
	ErrDownloadDisabled = errors.New("model download is not enabled in this build")
)
