package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// AdminPrefix is where the admin API is mounted.
const AdminPrefix = "/v1/"

// BlobStoreRegistry is what the admin API needs from the metrics registry.
type BlobStoreRegistry interface {
	Names() []string
	Get(name string) (*blobmetrics.Service, bool)
	Delete(ctx context.Context, name string) error
}

// MetricsView is the JSON form of one blob store's metrics.
type MetricsView struct {
	BlobStore  string                      `json:"blobStore"`
	BlobCount  int64                       `json:"blobCount"`
	TotalSize  int64                       `json:"totalSize"`
	Operations map[string]OperationMetrics `json:"operations"`
}

// OperationMetrics is the JSON form of blobmetrics.OperationMetrics.
type OperationMetrics struct {
	SuccessfulRequests uint64 `json:"successfulRequests"`
	ErrorRequests      uint64 `json:"errorRequests"`
	BlobSize           uint64 `json:"blobSize"`
	TimeOnRequestsMs   uint64 `json:"timeOnRequestsMs"`
}

// NewMetricsView converts an aggregate.
func NewMetricsView(a blobmetrics.Aggregate) MetricsView {
	view := MetricsView{
		BlobStore:  a.BlobStoreName,
		BlobCount:  a.BlobCount,
		TotalSize:  a.TotalSize,
		Operations: make(map[string]OperationMetrics, len(blobmetrics.OperationTypes)),
	}
	for _, t := range blobmetrics.OperationTypes {
		m := a.Operation(t)
		view.Operations[t.String()] = OperationMetrics{
			SuccessfulRequests: m.SuccessfulRequests,
			ErrorRequests:      m.ErrorRequests,
			BlobSize:           m.BlobSize,
			TimeOnRequestsMs:   m.TimeOnRequests,
		}
	}
	return view
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// AdminAPI serves the blob store administration endpoints:
//
//	GET    /v1/blobstores
//	GET    /v1/blobstores/{name}/metrics
//	POST   /v1/blobstores/{name}/flush
//	POST   /v1/blobstores/{name}/clear-counts
//	POST   /v1/blobstores/{name}/clear-operations
//	DELETE /v1/blobstores/{name}
//
// When blobs is non-nil it also serves blob content under
// /v1/blobstores/{name}/blobs.
type AdminAPI struct {
	registry BlobStoreRegistry
	blobs    BlobStoreLookup
	logger   *logging.Logger
	mux      *http.ServeMux
}

// NewAdminAPI builds the handler. blobs may be nil.
func NewAdminAPI(registry BlobStoreRegistry, blobs BlobStoreLookup, logger *logging.Logger) *AdminAPI {
	a := &AdminAPI{
		registry: registry,
		blobs:    blobs,
		logger:   logging.OrDefault(logger).Component("admin-api"),
		mux:      http.NewServeMux(),
	}
	a.mux.HandleFunc("GET /v1/blobstores", a.handleList)
	a.mux.HandleFunc("GET /v1/blobstores/{name}/metrics", a.withService(a.handleMetrics))
	a.mux.HandleFunc("POST /v1/blobstores/{name}/flush", a.withService(a.handleFlush))
	a.mux.HandleFunc("POST /v1/blobstores/{name}/clear-counts", a.withService(a.handleClearCounts))
	a.mux.HandleFunc("POST /v1/blobstores/{name}/clear-operations", a.withService(a.handleClearOperations))
	a.mux.HandleFunc("DELETE /v1/blobstores/{name}", a.handleDelete)
	if blobs != nil {
		a.registerBlobRoutes()
	}
	return a
}

func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	ctx := logging.WithRequestIDCtx(r.Context(), id)
	ctx = logging.WithLoggerCtx(ctx, a.logger.WithRequestID(id))
	a.mux.ServeHTTP(w, r.WithContext(ctx))
}

type serviceHandler func(w http.ResponseWriter, r *http.Request, svc *blobmetrics.Service)

func (a *AdminAPI) withService(h serviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		svc, ok := a.registry.Get(name)
		if !ok {
			a.writeError(w, r, http.StatusNotFound, blobmetrics.ErrUnknownBlobStore)
			return
		}
		h(w, r, svc)
	}
}

func (a *AdminAPI) handleList(w http.ResponseWriter, r *http.Request) {
	names := a.registry.Names()
	if names == nil {
		names = []string{}
	}
	a.writeJSON(w, http.StatusOK, map[string][]string{"blobStores": names})
}

func (a *AdminAPI) handleMetrics(w http.ResponseWriter, r *http.Request, svc *blobmetrics.Service) {
	agg, err := svc.Metrics(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, NewMetricsView(agg))
}

func (a *AdminAPI) handleFlush(w http.ResponseWriter, r *http.Request, svc *blobmetrics.Service) {
	a.writeResult(w, r, svc.Name(), "flushed", svc.Flush(r.Context()))
}

func (a *AdminAPI) handleClearCounts(w http.ResponseWriter, r *http.Request, svc *blobmetrics.Service) {
	a.writeResult(w, r, svc.Name(), "count metrics cleared", svc.ClearCountMetrics(r.Context()))
}

func (a *AdminAPI) handleClearOperations(w http.ResponseWriter, r *http.Request, svc *blobmetrics.Service) {
	a.writeResult(w, r, svc.Name(), "operation metrics cleared", svc.ClearOperationMetrics(r.Context()))
}

func (a *AdminAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := a.registry.Delete(r.Context(), name)
	if errors.Is(err, blobmetrics.ErrUnknownBlobStore) {
		a.writeError(w, r, http.StatusNotFound, err)
		return
	}
	a.writeResult(w, r, name, "metrics removed", err)
}

func (a *AdminAPI) writeResult(w http.ResponseWriter, r *http.Request, name, action string, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	logging.FromCtx(r.Context(), a.logger).Infof("admin action applied", map[string]any{
		logging.FieldBlobStore: name,
		"action":               action,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blobmetrics.ErrIllegalState):
		status = http.StatusConflict
	case errors.Is(err, blobmetrics.ErrMetricsNotFound):
		status = http.StatusNotFound
	}
	a.writeError(w, r, status, err)
}

func (a *AdminAPI) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.FromCtx(r.Context(), a.logger).Errorf("admin request failed", map[string]any{
			"path":             r.URL.Path,
			logging.FieldError: err,
		})
	}
	a.writeJSON(w, status, errorBody{
		Error:     err.Error(),
		RequestID: logging.RequestIDFromCtx(r.Context()),
	})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Debugf("failed to write response body", map[string]any{logging.FieldError: err})
	}
}
