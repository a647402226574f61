package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Pipeline stages reported to a Sink.
const (
	StageContainer  = "container"
	StageHeaderless = "headerless"
	StageOutbound   = "outbound"
)

// Sink receives intermediate payloads for offline inspection.
type Sink interface {
	Dump(stage, streamSID string, data []byte)
}

// NopSink discards everything.
type NopSink struct{}

// Dump implements Sink.
func (NopSink) Dump(string, string, []byte) {}

// FileSink writes each stage to its own file under a directory.
// Write failures are logged and never interrupt the pipeline.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

// Dump implements Sink.
func (s *FileSink) Dump(stage, streamSID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(stage, streamSID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("failed to write diagnostics dump",
			slog.String("stage", stage),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Path returns the file a stage is written to.
func (s *FileSink) Path(stage, streamSID string) string {
	name := streamSID
	if name == "" {
		name = "unknown"
	}
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", name, stage, stageExt(stage)))
}

func stageExt(stage string) string {
	switch stage {
	case StageContainer:
		return ".wav"
	case StageOutbound:
		return ".json"
	default:
		return ".dat"
	}
}
