//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"fmt"

	"github.com/knights-analytics/beamrepro/options"
)

func initialiseORT(_ *options.Options) error {
	return fmt.Errorf("%w: ORT is not enabled in this build", ErrRuntimeUnavailable)
}

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return fmt.Errorf("%w: ORT is not enabled in this build", ErrRuntimeUnavailable)
}
