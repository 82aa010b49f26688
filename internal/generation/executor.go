package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrOverloaded signals that the model backend refused the request due to
// load. The orchestrator maps it to a 503 outcome and terminates the key.
var ErrOverloaded = errors.New("model overloaded")

// Request is the domain input of a single generation.
type Request struct {
	Prompt string
	Style  string
	Upload *Upload // optional reference image, already staged on disk
}

// Upload references a staged input file awaiting materialization.
type Upload struct {
	TmpPath      string
	OriginalName string
}

// Result describes one completed execution. The orchestrator persists it;
// the executor itself never writes to the store.
type Result struct {
	Prompt    string
	Style     string
	ImageURL  string
	Status    string
	CreatedAt string
}

// Executor performs the actual generation work. Implementations may block
// for an operation-dependent duration and should honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, userID int64, req Request) (Result, error)
}

// FileSaver materializes a staged upload and returns its public URL path.
type FileSaver interface {
	SaveUpload(tmpPath, originalName string) (string, error)
}

// SimulatorConfig tunes the simulated model backend.
type SimulatorConfig struct {
	OverloadProbability float64       // chance of ErrOverloaded per execution
	MinDelay            time.Duration // lower bound of simulated model latency
	MaxDelay            time.Duration // upper bound of simulated model latency
}

// Simulator stands in for a real model-serving backend: it sleeps for a
// random interval, fails with ErrOverloaded at the configured probability,
// and materializes the reference upload when one is attached.
type Simulator struct {
	cfg    SimulatorConfig
	files  FileSaver
	logger *slog.Logger
}

// NewSimulator creates a Simulator. files may be nil when uploads are not
// supported by the deployment.
func NewSimulator(cfg SimulatorConfig, files FileSaver) *Simulator {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Simulator{cfg: cfg, files: files, logger: slog.Default()}
}

func (s *Simulator) Execute(ctx context.Context, userID int64, req Request) (Result, error) {
	delay := s.cfg.MinDelay
	if spread := s.cfg.MaxDelay - s.cfg.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread)))
	}
	if delay > 0 {
		s.logger.Debug("simulating model latency", "user_id", userID, "delay", delay)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if rand.Float64() < s.cfg.OverloadProbability {
		s.logger.Warn("simulated model overload", "user_id", userID)
		return Result{}, ErrOverloaded
	}

	var imageURL string
	if req.Upload != nil && s.files != nil {
		url, err := s.files.SaveUpload(req.Upload.TmpPath, req.Upload.OriginalName)
		if err != nil {
			return Result{}, fmt.Errorf("saving reference image %q: %w", req.Upload.OriginalName, err)
		}
		imageURL = url
	}

	return Result{
		Prompt:    req.Prompt,
		Style:     req.Style,
		ImageURL:  imageURL,
		Status:    "done",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
