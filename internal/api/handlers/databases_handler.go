package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dbstudio/engine/internal/api/types"
	"github.com/dbstudio/engine/internal/api/validators"
	"github.com/dbstudio/engine/internal/models"
	"github.com/dbstudio/engine/internal/services"
)

const maxBodyBytes = 1 << 20

type DatabasesHandler struct {
	svc      services.InstanceService
	validate interface{ Struct(any) error }
}

func NewDatabasesHandler(svc services.InstanceService, v interface{ Struct(any) error }) *DatabasesHandler {
	return &DatabasesHandler{svc: svc, validate: v}
}

func (h *DatabasesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDatabaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.svc.Create(r.Context(), &services.CreateInstanceInput{
		Name:          req.Name,
		Kind:          models.Kind(req.Kind),
		Version:       req.Version,
		Port:          req.Port,
		MemoryLimitMB: req.MemoryLimitMB,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, v)
}

func (h *DatabasesHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items, Meta: &types.Meta{Total: len(items)}})
}

func (h *DatabasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, v)
}

// Update addresses the database by name; the body repeats it.
func (h *DatabasesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateDatabaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.svc.Update(r.Context(), chi.URLParam(r, "ref"), &services.UpdateInstanceInput{
		Name:          req.Name,
		NewName:       req.NewName,
		Port:          req.Port,
		MemoryLimitMB: req.MemoryLimitMB,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, v)
}

func (h *DatabasesHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Destroy(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, v)
}

func (h *DatabasesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Stop(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, v)
}

func (h *DatabasesHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Start(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, v)
}

func (h *DatabasesHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tail := services.DefaultLogTail
	if s := r.URL.Query().Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeErrorStr(w, r, http.StatusBadRequest, "tail must be an integer")
			return
		}
		tail = n
	}
	filter := r.URL.Query().Get("filter")
	lines, err := h.svc.Logs(r.Context(), id, tail, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, types.LogsResponse{Lines: lines, Tail: tail, Filter: filter})
}

func (h *DatabasesHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	info, err := h.svc.Inspect(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, info)
}

func (h *DatabasesHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorStr(w, r, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeErrorStr(w, r, http.StatusBadRequest, validators.Message(err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "ref"))
	if err != nil {
		writeErrorStr(w, r, http.StatusBadRequest, "invalid database id")
		return uuid.Nil, false
	}
	return id, true
}
