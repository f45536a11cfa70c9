package main

import (
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/knights-analytics/beamrepro"
	"github.com/knights-analytics/beamrepro/options"
	"github.com/knights-analytics/beamrepro/util/logutil"
)

type flags struct {
	modelsDir         string
	sharedLibraryPath string
	offline           bool
	verbose           bool
}

func newApp(out io.Writer) *cli.App {
	f := &flags{}
	return &cli.App{
		Name:  "beamrepro",
		Usage: "Reproduce grouped beam search with per step scores on a bfloat16 model",
		Description: `Loads sshleifer/tiny-gpt2 in bfloat16 on cpu and runs diverse beam search over a fixed prompt.
				The model is looked up with this chain: first the model id as a path, then the downloaded copy in
				the model folder, finally a download from Huggingface. If the model or the inference runtime is not
				available the run stops after the header and exits successfully.`,
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "modelFolder",
				Usage:       "Folder where to store downloaded models. Falls back to $HOME/beamrepro/models if not specified",
				Aliases:     []string{"f"},
				Destination: &f.modelsDir,
			},
			&cli.StringFlag{
				Name:        "onnxruntimeSharedLibrary",
				Usage:       "Folder containing the onnxruntime shared library (ORT builds only)",
				Aliases:     []string{"s"},
				Destination: &f.sharedLibraryPath,
			},
			&cli.BoolFlag{
				Name:        "offline",
				Usage:       "Never download the model",
				Destination: &f.offline,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "Log debug information to stderr",
				Aliases:     []string{"v"},
				Destination: &f.verbose,
			},
		},
		Action: func(ctx *cli.Context) error {
			logger := zap.NewNop()
			if f.verbose {
				logger = logutil.NewLogger(true, true)
				defer func() {
					_ = logger.Sync()
				}()
			}

			providerOptions := []beamrepro.ProviderOption{
				beamrepro.WithModelsDir(f.modelsDir),
				beamrepro.WithOffline(f.offline),
				beamrepro.WithLogger(logger),
			}
			if f.sharedLibraryPath != "" {
				providerOptions = append(providerOptions, beamrepro.WithBackendOptions(options.WithOnnxLibraryPath(f.sharedLibraryPath)))
			}
			downloadOptions := beamrepro.NewDownloadOptions()
			downloadOptions.Verbose = f.verbose
			providerOptions = append(providerOptions, beamrepro.WithDownloadOptions(downloadOptions))

			provider, err := beamrepro.NewProvider(beamrepro.DefaultBackend, providerOptions...)
			if err != nil {
				return err
			}
			harness := &beamrepro.Harness{
				Out:      ctx.App.Writer,
				Provider: provider,
				Logger:   logger,
			}
			runErr := harness.Run(ctx.Context)
			if destroyErr := provider.Destroy(); destroyErr != nil {
				logger.Warn("destroying runtime", zap.Error(destroyErr))
			}
			return runErr
		},
	}
}

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}
