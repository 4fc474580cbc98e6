package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sandboxlab/sandboxd/common/logging"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// Response messages.
const (
	msgAlreadyExists   = "instance already exists"
	msgInternalError   = "an internal error occurred"
	msgLaunched        = "instance launched"
	msgDoesNotExist    = "instance does not exist"
	msgFetched         = "fetched metadata"
	msgMetadataUpdated = "metadata updated"
	msgNoInstance      = "no instance found"
	msgDeleted         = "instance deleted"
	msgListed          = "fetched instances"
)

// Envelope is the body of every API response.
type Envelope struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func reply(w http.ResponseWriter, code int, msg string, data any) {
	writeJSON(w, code, Envelope{OK: code < 300, Message: msg, Data: data})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reply(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return nil, false
		}
		reply(w, http.StatusBadRequest, "failed to read request body", nil)
		return nil, false
	}
	return body, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.WithTrace(ctx)

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := validateCreateBody(body); err != nil {
		reply(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	var req instance.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		reply(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	inst, err := s.launcher.Launch(ctx, &req)
	switch {
	case err == nil:
		reply(w, http.StatusOK, msgLaunched, inst)
	case errors.Is(err, instance.ErrInstanceExists):
		reply(w, http.StatusConflict, msgAlreadyExists, nil)
	case errors.Is(err, instance.ErrInvalidRequest):
		reply(w, http.StatusBadRequest, err.Error(), nil)
	default:
		log.Error("create instance failed", "instance_id", req.InstanceID, "err", err)
		reply(w, http.StatusInternalServerError, msgInternalError, nil)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	insts, err := s.store.List(r.Context())
	if err != nil {
		logging.WithTrace(r.Context()).Error("list instances failed", "err", err)
		reply(w, http.StatusInternalServerError, msgInternalError, nil)
		return
	}
	if insts == nil {
		insts = []*instance.Instance{}
	}
	reply(w, http.StatusOK, msgListed, insts)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.store.Get(r.Context(), id)
	switch {
	case err == nil:
		reply(w, http.StatusOK, msgFetched, inst)
	case errors.Is(err, instance.ErrNotFound):
		reply(w, http.StatusNotFound, msgDoesNotExist, nil)
	default:
		logging.WithTrace(r.Context()).Error("get instance failed", "instance_id", id, "err", err)
		reply(w, http.StatusInternalServerError, msgInternalError, nil)
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var patch map[string]string
	if err := json.Unmarshal(body, &patch); err != nil || patch == nil {
		reply(w, http.StatusBadRequest, "body must be a JSON object of string values", nil)
		return
	}

	err := s.store.UpdateMetadata(r.Context(), id, patch)
	switch {
	case err == nil:
		reply(w, http.StatusOK, msgMetadataUpdated, nil)
	case errors.Is(err, instance.ErrNotFound):
		reply(w, http.StatusNotFound, msgDoesNotExist, nil)
	default:
		logging.WithTrace(r.Context()).Error("update metadata failed", "instance_id", id, "err", err)
		reply(w, http.StatusInternalServerError, msgInternalError, nil)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := s.launcher.Kill(r.Context(), id)
	switch {
	case err == nil:
		reply(w, http.StatusOK, msgDeleted, nil)
	case errors.Is(err, instance.ErrNotFound):
		reply(w, http.StatusNotFound, msgNoInstance, nil)
	default:
		logging.WithTrace(r.Context()).Error("delete instance failed", "instance_id", id, "err", err)
		reply(w, http.StatusInternalServerError, msgInternalError, nil)
	}
}
