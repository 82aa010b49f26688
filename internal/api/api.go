// Package api exposes the HTTP surface of the generation service: auth,
// idempotency-coordinated generation submission, history, and static uploads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/atelierhq/atelier/internal/auth"
	"github.com/atelierhq/atelier/internal/generation"
	"github.com/atelierhq/atelier/internal/imaging"
	"github.com/atelierhq/atelier/internal/storage"
)

const maxSubmitBodySize = 10 << 20 // 10MB, matches the upload cap

// GenerationStore is the read surface the handlers need beyond the orchestrator.
type GenerationStore interface {
	GetGeneration(id int64) (storage.Generation, error)
	ListRecentGenerations(userID int64, limit int) ([]storage.Generation, error)
}

type Deps struct {
	Store        GenerationStore
	Auth         *auth.Service
	Orchestrator *generation.Orchestrator
	Uploads      *imaging.FileStore // optional; nil disables reference images
	SubmitRate   rate.Limit         // per-user submit rate; 0 disables limiting
	SubmitBurst  int
}

// NewHandler builds the service router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/auth/register", handleRegister(deps))
	r.Post("/auth/login", handleLogin(deps))

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(deps.Auth))
		r.Get("/generations", handleListGenerations(deps))
		r.Get("/generations/{id}", handleGetGeneration(deps))

		r.Group(func(r chi.Router) {
			if deps.SubmitRate > 0 {
				r.Use(limitSubmits(newSubmitLimiter(deps.SubmitRate, deps.SubmitBurst)))
			}
			r.Post("/generations", handleCreateGeneration(deps))
		})
	})

	if deps.Uploads != nil {
		fs := http.StripPrefix("/uploads/", http.FileServer(http.Dir(deps.Uploads.Dir())))
		r.Get("/uploads/*", fs.ServeHTTP)
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func handleRegister(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !strings.Contains(req.Email, "@") || len(req.Password) < 6 {
			httpError(w, http.StatusBadRequest, "valid email and password of at least 6 characters required")
			return
		}

		u, err := deps.Auth.Register(req.Email, req.Password)
		if errors.Is(err, storage.ErrEmailTaken) {
			httpError(w, http.StatusConflict, "email already registered")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Server error")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":        u.ID,
			"email":     u.Email,
			"createdAt": u.CreatedAt,
		})
	}
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		token, err := deps.Auth.Login(req.Email, req.Password)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Server error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

type submitRequest struct {
	Prompt         string `json:"prompt"`
	Style          string `json:"style"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func handleCreateGeneration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFrom(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)

		var req generation.Request
		key := r.Header.Get("Idempotency-Key")

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(maxSubmitBodySize); err != nil {
				httpError(w, http.StatusBadRequest, "invalid multipart body")
				return
			}
			req.Prompt = r.FormValue("prompt")
			req.Style = r.FormValue("style")
			if key == "" {
				key = r.FormValue("idempotencyKey")
			}

			file, header, err := r.FormFile("image")
			if err == nil {
				defer file.Close()
				if deps.Uploads == nil {
					httpError(w, http.StatusBadRequest, "reference images are not supported")
					return
				}
				tmpPath, stageErr := deps.Uploads.StageUpload(file, header.Filename)
				if stageErr != nil {
					httpError(w, http.StatusInternalServerError, "Server error")
					return
				}
				req.Upload = &generation.Upload{TmpPath: tmpPath, OriginalName: header.Filename}
			} else if err != http.ErrMissingFile {
				httpError(w, http.StatusBadRequest, "invalid image upload")
				return
			}
		} else {
			var body submitRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			req.Prompt = body.Prompt
			req.Style = body.Style
			if key == "" {
				key = body.IdempotencyKey
			}
		}

		if req.Prompt == "" || req.Style == "" {
			httpError(w, http.StatusBadRequest, "Missing prompt or style")
			return
		}

		// A dropped client connection must not abort a race-won execution:
		// the ledger is the durable source of truth and a later lookup with
		// the same key recovers the result.
		out := deps.Orchestrator.Submit(context.WithoutCancel(r.Context()), userID, req, key)
		respondOutcome(w, out)
	}
}

func respondOutcome(w http.ResponseWriter, out generation.Outcome) {
	switch out.Code {
	case http.StatusOK:
		writeJSON(w, out.Code, map[string]any{
			"idempotent": true,
			"generation": out.Generation,
		})
	case http.StatusCreated:
		writeJSON(w, out.Code, out.Generation)
	default:
		httpError(w, out.Code, "%s", out.Message)
	}
}

func handleListGenerations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFrom(r.Context())
		limit := parseIntParam(r, "limit", 5, 100)

		rows, err := deps.Store.ListRecentGenerations(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Server error")
			return
		}
		if rows == nil {
			rows = []storage.Generation{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func handleGetGeneration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFrom(r.Context())
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid generation id")
			return
		}

		gen, err := deps.Store.GetGeneration(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && gen.UserID != userID) {
			httpError(w, http.StatusNotFound, "generation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "Server error")
			return
		}
		writeJSON(w, http.StatusOK, gen)
	}
}
