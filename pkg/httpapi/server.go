package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"pantrycam/pkg/detect"
	"pantrycam/pkg/inventory"
	"pantrycam/pkg/notify"
	"pantrycam/pkg/scan"
)

// Inventory is the mutation side used by the add and remove actions.
type Inventory interface {
	Increment(ctx context.Context, name string) (inventory.Record, error)
	Decrement(ctx context.Context, name string) (inventory.Record, bool, error)
}

// View serves the last inventory snapshot.
type View interface {
	Filter(query string) []inventory.Record
	Snapshot() ([]inventory.Record, time.Time)
}

// Ingester turns captured images into increments.
type Ingester interface {
	Ingest(ctx context.Context, source scan.Source, raw []byte) (scan.Scan, error)
}

// Scans looks up recorded capture outcomes.
type Scans interface {
	Get(id uuid.UUID) (scan.Scan, bool)
	Recent(n int) []scan.Scan
}

// EventStats reports the state of the change-event publisher.
type EventStats interface {
	Stats() notify.Stats
}

// Readiness reports whether the detector model is loaded.
type Readiness interface {
	Ready() bool
}

// Options bundles the collaborators of a Server.
type Options struct {
	Inventory Inventory
	View      View
	Ingester  Ingester
	Scans     Scans
	Detector  Readiness
	Events    EventStats // nil when change events are disabled
	Logger    *slog.Logger
	Version   string

	// MaxUploadBytes caps image bodies. Zero means 10 MiB.
	MaxUploadBytes int64

	// RequestTimeout bounds single-item mutations. Zero means 5 seconds.
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints to the inventory service and the capture pipeline.
type Server struct {
	inventory Inventory
	view      View
	ingester  Ingester
	scans     Scans
	detector  Readiness
	events    EventStats
	logger    *slog.Logger
	maxUpload int64
	timeout   time.Duration
	version   string
}

// New validates the collaborators and applies defaults.
func New(opts Options) (*Server, error) {
	if opts.Inventory == nil || opts.View == nil || opts.Ingester == nil || opts.Scans == nil {
		return nil, errors.New("httpapi: inventory, view, ingester and scans are required")
	}
	s := &Server{
		inventory: opts.Inventory,
		view:      opts.View,
		ingester:  opts.Ingester,
		scans:     opts.Scans,
		detector:  opts.Detector,
		events:    opts.Events,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
		timeout:   opts.RequestTimeout,
		version:   opts.Version,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 10 << 20
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	return s, nil
}

// Handler exposes the JSON endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/inventory", s.listInventory).Methods(http.MethodGet)
	api.HandleFunc("/inventory/add", s.addItem).Methods(http.MethodPost)
	api.HandleFunc("/inventory/remove", s.removeItem).Methods(http.MethodPost)
	api.HandleFunc("/detections/upload", s.uploadImage).Methods(http.MethodPost)
	api.HandleFunc("/detections/camera", s.cameraFrame).Methods(http.MethodPost)
	api.HandleFunc("/scans", s.listScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.getScan).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, "not found", http.StatusNotFound)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	records, refreshed := s.view.Snapshot()
	ready := s.detector != nil && s.detector.Ready()
	body := map[string]any{
		"status":       "ok",
		"model_ready":  ready,
		"items":        len(records),
		"refreshed_at": refreshed,
		"version":      s.version,
	}
	if s.events != nil {
		body["events"] = s.events.Stats()
	}
	s.respondJSON(w, http.StatusOK, body)
}

type inventoryResponse struct {
	Items       []inventory.Record `json:"items"`
	Query       string             `json:"query,omitempty"`
	RefreshedAt time.Time          `json:"refreshed_at"`
}

// listInventory serves the projection, narrowed by the optional q filter.
func (s *Server) listInventory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	_, refreshed := s.view.Snapshot()
	items := s.view.Filter(query)
	if items == nil {
		items = []inventory.Record{}
	}
	s.logger.Debug("inventory listing served", "query", query, "items", len(items))
	s.respondJSON(w, http.StatusOK, inventoryResponse{Items: items, Query: query, RefreshedAt: refreshed})
}

// namePayload is the body of the add and remove actions.
type namePayload struct {
	Name string `json:"name"`
}

// Validate rejects blank names before the service is involved.
func (p namePayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return inventory.ErrInvalidName
	}
	return nil
}

func (s *Server) decodeName(w http.ResponseWriter, r *http.Request, action string) (namePayload, bool) {
	var payload namePayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&payload); err != nil {
		s.logger.Info("inventory action rejected: unable to decode payload", "action", action, "error", err)
		s.respondError(w, "invalid JSON", http.StatusBadRequest)
		return payload, false
	}
	if err := payload.Validate(); err != nil {
		s.logger.Info("inventory action rejected", "action", action, "error", err)
		s.respondError(w, err.Error(), http.StatusBadRequest)
		return payload, false
	}
	return payload, true
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeName(w, r, "add")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rec, err := s.inventory.Increment(ctx, payload.Name)
	if err != nil {
		s.logger.Warn("inventory add failed", "name", payload.Name, "error", err)
		s.respondError(w, err.Error(), statusFor(err))
		return
	}
	s.logger.Info("inventory item added", "name", rec.Name, "quantity", rec.Quantity)
	s.respondJSON(w, http.StatusOK, rec)
}

type removeResponse struct {
	Removed bool             `json:"removed"`
	Item    inventory.Record `json:"item"`
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeName(w, r, "remove")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rec, found, err := s.inventory.Decrement(ctx, payload.Name)
	if err != nil {
		s.logger.Warn("inventory remove failed", "name", payload.Name, "error", err)
		s.respondError(w, err.Error(), statusFor(err))
		return
	}
	if !found {
		s.logger.Info("inventory remove ignored: item absent", "name", payload.Name)
	} else {
		s.logger.Info("inventory item removed", "name", rec.Name, "quantity", rec.Quantity)
	}
	s.respondJSON(w, http.StatusOK, removeResponse{Removed: found, Item: rec})
}

// uploadImage accepts a multipart "file" field.
func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUpload {
		s.logger.Info("upload rejected: body too large", "bytes", r.ContentLength, "limit", s.maxUpload)
		s.respondError(w, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("file")
	if isTooLarge(err) {
		s.logger.Info("upload rejected: body too large", "limit", s.maxUpload)
		s.respondError(w, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		s.logger.Info("upload rejected: missing file field", "error", err)
		s.respondError(w, "multipart field \"file\" is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		s.logger.Info("upload rejected: unable to read file", "filename", header.Filename, "error", err)
		s.respondError(w, "unable to read upload", http.StatusBadRequest)
		return
	}
	s.logger.Debug("image uploaded", "filename", header.Filename, "bytes", len(raw))
	s.ingest(w, r, scan.SourceUpload, raw)
}

type cameraPayload struct {
	Image string `json:"image"`
}

// cameraFrame accepts a still frame as a base64 data URL.
func (s *Server) cameraFrame(w http.ResponseWriter, r *http.Request) {
	var payload cameraPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload)).Decode(&payload); err != nil {
		if isTooLarge(err) {
			s.logger.Info("camera frame rejected: body too large", "limit", s.maxUpload)
			s.respondError(w, fmt.Sprintf("frame exceeds %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Info("camera frame rejected: unable to decode payload", "error", err)
		s.respondError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	raw, err := detect.DecodeDataURL(payload.Image)
	if err != nil {
		s.logger.Info("camera frame rejected", "error", err)
		s.respondError(w, err.Error(), statusFor(err))
		return
	}
	s.ingest(w, r, scan.SourceCamera, raw)
}

type scanErrorResponse struct {
	Error string    `json:"error"`
	Scan  scan.Scan `json:"scan"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, source scan.Source, raw []byte) {
	result, err := s.ingester.Ingest(r.Context(), source, raw)
	if err != nil {
		s.respondJSON(w, statusFor(err), scanErrorResponse{Error: err.Error(), Scan: result})
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.respondJSON(w, http.StatusOK, s.scans.Recent(limit))
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, "invalid scan id", http.StatusBadRequest)
		return
	}
	result, ok := s.scans.Get(id)
	if !ok {
		s.respondError(w, fmt.Sprintf("scan %s not found", id), http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case inventory.IsInvalidName(err):
		return http.StatusBadRequest
	case errors.Is(err, detect.ErrDecodeFailure):
		return http.StatusUnprocessableEntity
	case inventory.IsStoreUnavailable(err), errors.Is(err, detect.ErrModelNotReady),
		errors.Is(err, inventory.ErrServiceClosed), errors.Is(err, inventory.ErrQueueBusy):
		return http.StatusServiceUnavailable
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// respondError keeps JSON formatting consistent across endpoints.
func (s *Server) respondError(w http.ResponseWriter, message string, status int) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
