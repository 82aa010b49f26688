package generation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atelierhq/atelier/internal/storage"
)

// Ledger is the idempotency ledger consumed by the orchestrator.
// CreateIdempotency must be atomic-on-conflict: when two submissions race,
// exactly one insert succeeds and the loser receives storage.ErrKeyExists.
type Ledger interface {
	GetIdempotency(key string) (storage.IdempotencyRecord, error)
	CreateIdempotency(key string, userID int64) error
	MarkIdempotencyDone(key string, generationID int64) error
	MarkIdempotencyFailed(key string) error
}

// ArtifactStore persists completed generations.
type ArtifactStore interface {
	InsertGeneration(g storage.Generation) (int64, error)
	GetGeneration(id int64) (storage.Generation, error)
}

// Outcome is the result of one Submit call. Code follows the HTTP mapping:
// 201 created, 200 idempotent replay, 202 in progress, 400 missing key,
// 409 failed-key refusal, 500 execution/persistence error, 503 overload.
type Outcome struct {
	Code       int
	Generation *storage.Generation
	Idempotent bool
	Message    string
}

const (
	msgMissingKey  = "Missing idempotency key"
	msgInProgress  = "Generation in progress"
	msgKeyFailed   = "Previous attempt failed for this idempotency key. Use a new idempotency key to retry."
	msgOverloaded  = "Model overloaded"
	msgServerError = "Server error"
)

// Orchestrator coordinates at-most-one execution per idempotency key. It
// takes no in-process lock across Submit: correctness rests entirely on the
// ledger's unique-key insert, so it stays correct across multiple server
// processes sharing one store.
type Orchestrator struct {
	ledger    Ledger
	artifacts ArtifactStore
	executor  Executor
	logger    *slog.Logger
}

func NewOrchestrator(ledger Ledger, artifacts ArtifactStore, executor Executor) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		artifacts: artifacts,
		executor:  executor,
		logger:    slog.Default(),
	}
}

// Submit runs the idempotency-coordinated generation flow for one request.
// Every path yields a defined Outcome; no error escapes. A failure anywhere
// along the execute/persist path marks the key failed, which is terminal:
// the caller must mint a new key to retry. That uniform policy covers
// infrastructure failures too, matching the source system's behavior.
func (o *Orchestrator) Submit(ctx context.Context, userID int64, req Request, key string) Outcome {
	if key == "" {
		o.logger.Warn("submit missing idempotency key", "user_id", userID)
		return Outcome{Code: http.StatusBadRequest, Message: msgMissingKey}
	}

	rec, err := o.ledger.GetIdempotency(key)
	switch {
	case err == nil:
		return o.resolveExisting(rec, key, userID)
	case errors.Is(err, storage.ErrNotFound):
		// First sight of the key; fall through to create.
	default:
		o.logger.Error("ledger lookup failed", "key", key, "error", err)
		return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
	}

	if err := o.ledger.CreateIdempotency(key, userID); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			// Lost the creation race: the winner's record exists now, so a
			// single re-read resolves the branch. Never surface the conflict.
			o.logger.Info("idempotency create race detected", "key", key, "user_id", userID)
			rec, lookupErr := o.ledger.GetIdempotency(key)
			if lookupErr != nil {
				o.logger.Error("re-lookup after create race failed", "key", key, "error", lookupErr)
				return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
			}
			return o.resolveExisting(rec, key, userID)
		}
		o.logger.Error("ledger create failed", "key", key, "error", err)
		return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
	}

	return o.execute(ctx, userID, req, key)
}

// resolveExisting maps an existing ledger record onto its outcome: done
// replays the stored artifact, in-progress returns immediately without
// blocking on the in-flight attempt, failed refuses the key permanently.
func (o *Orchestrator) resolveExisting(rec storage.IdempotencyRecord, key string, userID int64) Outcome {
	switch rec.Status {
	case storage.StatusDone:
		gen, err := o.artifacts.GetGeneration(rec.GenerationID)
		if err != nil {
			o.logger.Error("fetching generation for idempotent replay", "key", key, "generation_id", rec.GenerationID, "error", err)
			return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
		}
		o.logger.Info("idempotent replay", "key", key, "user_id", userID, "generation_id", gen.ID)
		return Outcome{Code: http.StatusOK, Generation: &gen, Idempotent: true}
	case storage.StatusInProgress:
		o.logger.Info("generation already in progress", "key", key, "user_id", userID)
		return Outcome{Code: http.StatusAccepted, Message: msgInProgress}
	case storage.StatusFailed:
		o.logger.Info("refusing replay of failed key", "key", key, "user_id", userID)
		return Outcome{Code: http.StatusConflict, Message: msgKeyFailed}
	default:
		o.logger.Error("ledger record has unknown status", "key", key, "status", rec.Status)
		return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
	}
}

func (o *Orchestrator) execute(ctx context.Context, userID int64, req Request, key string) Outcome {
	res, err := o.executor.Execute(ctx, userID, req)
	if err != nil {
		o.markFailed(key)
		if errors.Is(err, ErrOverloaded) {
			o.logger.Warn("model overloaded", "key", key, "user_id", userID)
			return Outcome{Code: http.StatusServiceUnavailable, Message: msgOverloaded}
		}
		o.logger.Error("execution failed", "key", key, "user_id", userID, "error", err)
		return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
	}

	id, err := o.artifacts.InsertGeneration(storage.Generation{
		UserID:    userID,
		Prompt:    res.Prompt,
		Style:     res.Style,
		ImageURL:  res.ImageURL,
		Status:    res.Status,
		CreatedAt: res.CreatedAt,
	})
	if err != nil {
		// An executed but unpersisted result cannot be replayed later, so the
		// whole submission counts as failed.
		o.logger.Error("persisting generation failed", "key", key, "user_id", userID, "error", err)
		o.markFailed(key)
		return Outcome{Code: http.StatusInternalServerError, Message: msgServerError}
	}

	if err := o.ledger.MarkIdempotencyDone(key, id); err != nil {
		// Returning the artifact takes priority over ledger bookkeeping. The
		// stale in-progress record cannot cause a second execution: any later
		// create still conflicts on the existing row.
		o.logger.Warn("marking idempotency done failed", "key", key, "generation_id", id, "error", err)
	}

	gen := storage.Generation{
		ID:        id,
		UserID:    userID,
		Prompt:    res.Prompt,
		Style:     res.Style,
		ImageURL:  res.ImageURL,
		Status:    res.Status,
		CreatedAt: res.CreatedAt,
	}
	o.logger.Info("generation created", "key", key, "user_id", userID, "generation_id", id)
	return Outcome{Code: http.StatusCreated, Generation: &gen}
}

func (o *Orchestrator) markFailed(key string) {
	if err := o.ledger.MarkIdempotencyFailed(key); err != nil {
		// The caller already has a failure to report; a failure to record the
		// failure is logged, not escalated.
		o.logger.Warn("marking idempotency failed errored", "key", key, "error", err)
	}
}
