//go:build NODOWNLOAD

package beamrepro

import (
	"context"
	"fmt"
)

func DownloadModel(_ context.Context, modelName string, _ string, _ DownloadOptions) (string, error) {
	return "", fmt.Errorf("%w: cannot fetch %s", ErrDownloadDisabled, modelName)
}
