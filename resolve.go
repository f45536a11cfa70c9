package beamrepro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/knights-analytics/beamrepro/util/fileutil"
)

// downloadedModelPath is where DownloadModel stores a hub model: the id with "/" replaced by "_".
func downloadedModelPath(modelsDir string, modelName string) string {
	name := modelName
	if strings.Contains(name, ":") {
		name = strings.Split(modelName, ":")[0]
	}
	return fileutil.PathJoinSafe(modelsDir, strings.ReplaceAll(name, "/", "_"))
}

// defaultModelsDir is $HOME/beamrepro/models.
func defaultModelsDir() (string, error) {
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "beamrepro", "models"), nil
}

// resolveModel looks for the model with this chain: first use the provided path. If the path does not
// exist, look for a model with this name in the models folder. Finally, download the model from
// Huggingface unless the provider is offline.
func (p *ModelProvider) resolveModel(ctx context.Context, modelID string) (string, error) {
	if modelID == "" {
		return "", errors.New("no model identifier")
	}
	exists, err := fileutil.FileExists(modelID)
	if err != nil {
		return "", err
	}
	if exists {
		return modelID, nil
	}

	modelsDir := p.modelsDir
	if modelsDir == "" {
		if modelsDir, err = defaultModelsDir(); err != nil {
			return "", err
		}
	}
	downloaded := downloadedModelPath(modelsDir, modelID)
	exists, err = fileutil.FileExists(downloaded)
	if err != nil {
		return "", err
	}
	if exists {
		p.logger.Debug("using downloaded model", zap.String("path", downloaded))
		return downloaded, nil
	}

	if p.offline {
		return "", fmt.Errorf("%w: %s is not at %s and downloads are disabled", ErrModelNotFound, modelID, downloaded)
	}
	if strings.Contains(modelID, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err = fileutil.CreateDir(modelsDir); err != nil {
		return "", err
	}
	downloadOptions := p.downloadOptions
	if downloadOptions.Logger == nil {
		downloadOptions.Logger = p.logger
	}
	p.logger.Debug("downloading model", zap.String("model", modelID), zap.String("destination", modelsDir))
	return DownloadModel(ctx, modelID, modelsDir, downloadOptions)
}
