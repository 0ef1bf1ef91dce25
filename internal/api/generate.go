package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/home"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/storage"
)

const maxJSONBody = 1 << 20

func (h *Handlers) GenerateFromText(w http.ResponseWriter, r *http.Request) {
	var req dto.GenerateFromTextRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, r, http.StatusBadRequest, "Please enter a prompt")
		return
	}
	opts, err := optionsMap(req.Options)
	if err != nil {
		h.fail(w, r, err, "Generation failed")
		return
	}

	j := job.New(job.KindTripoText)
	j.Prompt = prompt
	j.Options = opts
	if err := h.queue(j); err != nil {
		h.logger.Error("failed to queue job", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "Generation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse(j, "/api/tripo/status/"))
}

// GenerateHome plans a home synchronously and writes its plan and models.
func (h *Handlers) GenerateHome(w http.ResponseWriter, r *http.Request) {
	var req dto.HomeGenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, home.GenerationResponse{Error: "Invalid request body"})
		return
	}

	plan, err := home.Plan(req.Prompt)
	if err != nil {
		status := http.StatusInternalServerError
		if apperr.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, home.GenerationResponse{Error: apperr.Message(err)})
		return
	}

	id := uuid.NewString()
	resp, err := h.writeHome(id, req.Prompt, plan)
	if err != nil {
		h.logger.Error("failed to write home", zap.String("home_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, home.GenerationResponse{Error: "Home generation failed"})
		return
	}
	h.logger.Info("home generated",
		zap.String("home_id", id),
		zap.Int("rooms", len(plan.Rooms)),
		zap.Int("furniture", len(plan.Furniture)))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeHome(id, prompt string, plan home.FloorPlan) (home.GenerationResponse, error) {
	planFile := id + "_plan.svg"
	if err := h.files.Put(storage.NamespaceModels, planFile, home.SVG(plan)); err != nil {
		return home.GenerationResponse{}, err
	}

	shellFile := id + ".glb"
	shell, err := h.conv.Placeholder("home", map[string]any{
		"prompt":          prompt,
		"rooms":           plan.Rooms,
		"totalDimensions": plan.TotalDimensions,
	}, nil)
	if err != nil {
		return home.GenerationResponse{}, err
	}
	if err := h.files.Put(storage.NamespaceModels, shellFile, shell); err != nil {
		return home.GenerationResponse{}, err
	}

	furnishedFile := id + "_furnished.glb"
	furnished, err := h.conv.Placeholder("home_furnished", map[string]any{
		"prompt":    prompt,
		"rooms":     plan.Rooms,
		"furniture": plan.Furniture,
	}, nil)
	if err != nil {
		return home.GenerationResponse{}, err
	}
	if err := h.files.Put(storage.NamespaceModels, furnishedFile, furnished); err != nil {
		return home.GenerationResponse{}, errors.Join(err, h.files.Delete(storage.NamespaceModels, shellFile))
	}

	return home.GenerationResponse{
		Success:     true,
		ID:          id,
		Plan2D:      "/models/" + planFile,
		Model3D:     "/models/" + shellFile,
		Furnished3D: "/models/" + furnishedFile,
		Data:        plan,
	}, nil
}
