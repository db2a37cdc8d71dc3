package candidates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

const DefaultEmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"

// HugotMatcher embeds names with a local sentence-transformer model run by
// the pure Go hugot backend.
type HugotMatcher struct {
	mu       sync.Mutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

// PrepareModel returns the local path of modelName under modelDir,
// downloading the ONNX export when it is not there yet.
func PrepareModel(modelDir, modelName string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat model: %w", err)
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	opts := hugot.NewDownloadOptions()
	opts.OnnxFilePath = "onnx/model.onnx"
	downloaded, err := hugot.DownloadModel(modelName, modelDir, opts)
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", modelName, err)
	}
	return downloaded, nil
}

// NewHugotMatcher loads the feature extraction pipeline at modelPath.
func NewHugotMatcher(modelPath string) (*HugotMatcher, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}
	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "candidate-embedder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("create embedding pipeline: %w (cleanup: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("create embedding pipeline: %w", err)
	}
	return &HugotMatcher{session: session, pipeline: pipeline}, nil
}

func (m *HugotMatcher) Available() bool {
	return m != nil && m.pipeline != nil
}

func (m *HugotMatcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !m.Available() {
		return nil, fmt.Errorf("embedding pipeline not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

func (m *HugotMatcher) Close() error {
	if m == nil || m.session == nil {
		return nil
	}
	return m.session.Destroy()
}
