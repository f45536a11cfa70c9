//go:build !NODOWNLOAD

package beamrepro

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"

	"github.com/knights-analytics/beamrepro/util/fileutil"
)

// DownloadModel can be used to download a model directly from huggingface. Before the model is downloaded,
// validation occurs to ensure there is exactly one .onnx file and a tokenizer.json file.
// Failures wrap ErrDownloadFailed.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := downloadedModelPath(destination, modelName)
	logger := options.logger()

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	// make sure it's an onnx model with tokenizer
	downloadFiles, err := validateDownloadHfModel(ctx, repo, options)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, modelName, err)
	}
	if err = fileutil.CreateDir(modelPath); err != nil {
		return "", err
	}

	attempts := max(options.MaxRetries, 1)
	for i := range attempts {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			logger.Warn("download attempt failed",
				zap.String("model", modelName),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", attempts),
				zap.Error(downloadErr),
			)
			if err = wait(ctx, options.RetryInterval); err != nil {
				return "", err
			}
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			copyErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j])))
			if copyErr != nil {
				return "", copyErr
			}
		}

		logger.Info("download completed", zap.String("model", modelName), zap.String("path", modelPath))
		return modelPath, nil
	}

	return "", fmt.Errorf("%w: %s after %d attempts", ErrDownloadFailed, modelName, attempts)
}

func validateDownloadHfModel(ctx context.Context, repo *hub.Repo, options DownloadOptions) ([]string, error) {
	attempts := max(options.MaxRetries, 1)
	for i := range attempts {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		options.logger().Warn("list repo attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("maxRetries", attempts),
			zap.Error(err),
		)
		if i+1 == attempts {
			return nil, err
		}
		if err = wait(ctx, options.RetryInterval); err != nil {
			return nil, err
		}
	}

	tokenizerPath := ""
	onnxPath := ""
	var toDownload []string
	var allOnnx []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}

		baseFileName := filepath.Base(fileName)
		switch {
		case baseFileName == "tokenizer.json":
			tokenizerPath = fileName
		case baseFileName == "config.json" ||
			baseFileName == "generation_config.json" ||
			baseFileName == "special_tokens_map.json" ||
			baseFileName == "tokenizer_config.json":
			toDownload = append(toDownload, fileName)
		case filepath.Ext(baseFileName) == ".onnx":
			if options.OnnxFilePath == "" || fileName == options.OnnxFilePath {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		case options.ExternalDataPath != "" && fileName == options.ExternalDataPath:
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		switch len(allOnnx) {
		case 0:
			errs = append(errs, errors.New("model does not have a .onnx file, only onnx models can be loaded"))
		case 1:
		default:
			errs = append(errs, fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " ")))
		}
	}
	if tokenizerPath == "" {
		errs = append(errs, errors.New("model does not have a tokenizer.json file"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return append(toDownload, onnxPath, tokenizerPath), nil
}

func wait(ctx context.Context, seconds int) error {
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
