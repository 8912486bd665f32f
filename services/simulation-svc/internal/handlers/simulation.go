package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"simulator/pkg/apperror"
	"simulator/pkg/auth"
	"simulator/services/simulation-svc/internal/repository"
)

const maxBodyBytes = 1 << 20

// simulationRequest тело POST и PUT
type simulationRequest struct {
	Name           string              `json:"name"`
	Cluster        int64               `json:"cluster"`
	Map            *int64              `json:"map"`
	ApiOnly        *bool               `json:"apiOnly"`
	Interactive    *bool               `json:"interactive"`
	Headless       *bool               `json:"headless"`
	Seed           *int64              `json:"seed"`
	UseTraffic     *bool               `json:"useTraffic"`
	UsePedestrians *bool               `json:"usePedestrians"`
	Vehicles       []connectionRequest `json:"vehicles"`
}

type connectionRequest struct {
	Vehicle    int64   `json:"vehicle"`
	Connection *string `json:"connection"`
}

// simulationResponse симуляция с вычисленным статусом
type simulationResponse struct {
	*repository.Simulation
	Status repository.Status `json:"status,omitempty"`
}

type listResponse struct {
	Items  []simulationResponse `json:"items"`
	Offset int                  `json:"offset"`
	Count  int                  `json:"count"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

type statusResponse struct {
	ID     int64             `json:"id"`
	Status repository.Status `json:"status"`
}

func (req *simulationRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return apperror.NewWithField(apperror.CodeInvalidArgument, "name is required", "name")
	}
	if req.Cluster <= 0 {
		return apperror.NewWithField(apperror.CodeInvalidArgument, "cluster must be positive", "cluster")
	}
	for i, v := range req.Vehicles {
		if v.Vehicle <= 0 {
			return apperror.NewWithField(apperror.CodeInvalidArgument, "vehicle must be positive", "vehicles").
				WithDetails("index", i)
		}
	}
	return nil
}

// model переносит запрос в модель; connection id назначает хранилище
func (req *simulationRequest) model(id int64, owner string) *repository.Simulation {
	sim := &repository.Simulation{
		ID:             id,
		Name:           strings.TrimSpace(req.Name),
		Cluster:        req.Cluster,
		Map:            req.Map,
		ApiOnly:        req.ApiOnly,
		Interactive:    req.Interactive,
		Headless:       req.Headless,
		Seed:           req.Seed,
		UseTraffic:     req.UseTraffic,
		UsePedestrians: req.UsePedestrians,
		Vehicles:       make([]repository.Connection, 0, len(req.Vehicles)),
	}
	if owner != "" {
		sim.Owner = &owner
	}
	for _, v := range req.Vehicles {
		sim.Vehicles = append(sim.Vehicles, repository.Connection{
			Simulation: id,
			Vehicle:    v.Vehicle,
			Connection: v.Connection,
		})
	}
	return sim
}

func decodeSimulation(r *http.Request) (*simulationRequest, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var req simulationRequest
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperror.New(apperror.CodeInvalidArgument, "request body is required")
		}
		return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.NewWithField(apperror.CodeInvalidArgument, "id must be a positive integer", "id")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.NewWithField(apperror.CodeInvalidPagination, name+" must be an integer", name)
	}
	return v, nil
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperror.NewWithField(apperror.CodeInvalidArgument, name+" must be a boolean", name)
	}
	return v, nil
}

// List GET /simulations?filter=&offset=&count=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count, err := queryInt(r, "count", h.defaultPageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if offset < 0 {
		writeError(w, r, apperror.NewWithField(apperror.CodeInvalidPagination, "offset must not be negative", "offset"))
		return
	}
	if count <= 0 || count > h.maxPageSize {
		writeError(w, r, apperror.NewWithField(apperror.CodeInvalidPagination, "count is out of range", "count").
			WithDetails("max", h.maxPageSize))
		return
	}

	owner := auth.OwnerFromContext(r.Context())
	sims, err := h.svc.List(r.Context(), r.URL.Query().Get("filter"), offset, count, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]simulationResponse, 0, len(sims))
	for _, sim := range sims {
		// Для списка скачивающиеся карты считаются пригодными
		status, err := h.svc.GetActualStatus(r.Context(), sim, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items = append(items, simulationResponse{Simulation: sim, Status: status})
	}

	writeJSON(w, http.StatusOK, listResponse{Items: items, Offset: offset, Count: count})
}

// Get GET /simulations/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sim, err := h.svc.Get(r.Context(), id, auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	status, err := h.svc.GetActualStatus(r.Context(), sim, true)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, simulationResponse{Simulation: sim, Status: status})
}

// Create POST /simulations
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSimulation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sim := req.model(0, auth.OwnerFromContext(r.Context()))
	id, err := h.svc.Add(r.Context(), sim)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/simulations/"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusCreated, sim)
}

// Update PUT /simulations/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	req, err := decodeSimulation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	owner := auth.OwnerFromContext(r.Context())
	sim := req.model(id, owner)
	affected, err := h.svc.Update(r.Context(), sim, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if affected == 0 {
		writeError(w, r, apperror.ErrSimulationNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sim)
}

// Delete DELETE /simulations/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	affected, err := h.svc.Delete(r.Context(), id, auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if affected == 0 {
		writeError(w, r, apperror.ErrSimulationNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status GET /simulations/{id}/status?allow_downloading=
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	allow, err := queryBool(r, "allow_downloading", h.allowDownloading)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sim, err := h.svc.Get(r.Context(), id, auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	status, err := h.svc.GetActualStatus(r.Context(), sim, allow)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{ID: id, Status: status})
}

// Current GET /simulations/current
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	sim := h.svc.GetCurrent(auth.OwnerFromContext(r.Context()))
	if sim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{Simulation: sim, Status: repository.StatusRunning})
}

// Start POST /simulations/{id}/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.svc.Launch(r.Context(), id, auth.OwnerFromContext(r.Context()), h.allowDownloading); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, idResponse{ID: id})
}

// Stop POST /simulations/stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	sim, err := h.svc.Halt(r.Context(), auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, idResponse{ID: sim.ID})
}

// Health GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready GET /ready проверяет хранилище
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.CodeUnavailable, "store is unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
