package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/data"
)

// Output is the product of one inference run
type Output struct {
	Data    []byte
	Path    string
	Metrics data.ExecutionMetrics
}

// Engine runs an inference job against local model and input files
type Engine interface {
	Run(ctx context.Context, modelPath, inputPath string) (*Output, error)
}

// ExecEngine drives an external inference binary as a subprocess. The
// binary is invoked as:
//
//	<engine> --model <path> --input <path> --output <path>
//
// and must write its result to the output path and exit zero.
type ExecEngine struct {
	binPath string
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecEngine creates an engine from execution configuration
func NewExecEngine(cfg config.ExecutionConfig, logger *zap.Logger) (*ExecEngine, error) {
	if cfg.EnginePath == "" {
		return nil, fmt.Errorf("engine path not configured")
	}
	if _, err := exec.LookPath(cfg.EnginePath); err != nil {
		return nil, fmt.Errorf("engine binary not found: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	return &ExecEngine{
		binPath: cfg.EnginePath,
		workDir: cfg.WorkDir,
		timeout: cfg.ExecTimeout,
		logger:  logger,
	}, nil
}

// Run executes the engine binary against the given files. Cancellation
// of the context kills the subprocess.
func (e *ExecEngine) Run(ctx context.Context, modelPath, inputPath string) (*Output, error) {
	runDir := filepath.Join(e.workDir, uuid.New().String())
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	outputPath := filepath.Join(runDir, "output.bin")

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.binPath,
		"--model", modelPath,
		"--input", inputPath,
		"--output", outputPath,
	)
	cmd.Dir = runDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("Starting inference run",
		zap.String("model", modelPath),
		zap.String("input", inputPath))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	metrics := data.ExecutionMetrics{
		DurationMillis: elapsed.Milliseconds(),
	}
	if cmd.ProcessState != nil {
		metrics.ExitCode = cmd.ProcessState.ExitCode()
		if usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			metrics.PeakMemory = usage.Maxrss * 1024
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("inference run aborted: %w", ctx.Err())
		}
		e.logger.Warn("Inference run failed",
			zap.Duration("elapsed", elapsed),
			zap.Int("exit_code", metrics.ExitCode),
			zap.String("stderr", truncate(stderr.String(), 2048)))
		return nil, fmt.Errorf("engine exited with code %d: %w", metrics.ExitCode, err)
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("engine produced no output: %w", err)
	}
	metrics.OutputBytes = int64(len(output))

	e.logger.Info("Inference run completed",
		zap.Duration("elapsed", elapsed),
		zap.Int64("output_bytes", metrics.OutputBytes))

	return &Output{
		Data:    output,
		Path:    outputPath,
		Metrics: metrics,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ProbeGPUs reports locally attached accelerators. Detection is not
// implemented yet; callers get an empty list and advertise CPU-only
// capacity.
func ProbeGPUs() []data.GPUDevice {
	return nil
}
