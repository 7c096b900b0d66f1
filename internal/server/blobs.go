package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dray-io/blobmetrics/internal/blobstore"
	"github.com/dray-io/blobmetrics/internal/logging"
)

// BlobHeaderPrefix marks request headers stored with a new blob. The prefix
// is stripped and the rest lower-cased.
const BlobHeaderPrefix = "X-Blob-"

// BlobStoreLookup resolves blob stores by name for the content routes.
type BlobStoreLookup interface {
	BlobStore(name string) (*blobstore.BlobStore, bool)
}

// BlobStores is a fixed set of blob stores keyed by name.
type BlobStores map[string]*blobstore.BlobStore

// BlobStore implements BlobStoreLookup.
func (m BlobStores) BlobStore(name string) (*blobstore.BlobStore, bool) {
	b, ok := m[name]
	return b, ok
}

type blobCreated struct {
	ID     string `json:"id"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func (a *AdminAPI) registerBlobRoutes() {
	a.mux.HandleFunc("POST /v1/blobstores/{name}/blobs", a.withBlobStore(a.handleCreateBlob))
	a.mux.HandleFunc("GET /v1/blobstores/{name}/blobs/{id}", a.withBlobStore(a.handleGetBlob))
	a.mux.HandleFunc("HEAD /v1/blobstores/{name}/blobs/{id}", a.withBlobStore(a.handleHeadBlob))
	a.mux.HandleFunc("DELETE /v1/blobstores/{name}/blobs/{id}", a.withBlobStore(a.handleDeleteBlob))
}

type blobHandler func(w http.ResponseWriter, r *http.Request, b *blobstore.BlobStore)

func (a *AdminAPI) withBlobStore(h blobHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := a.blobs.BlobStore(r.PathValue("name"))
		if !ok {
			a.writeError(w, r, http.StatusNotFound, errors.New("blob store not found"))
			return
		}
		h(w, r, b)
	}
}

func (a *AdminAPI) handleCreateBlob(w http.ResponseWriter, r *http.Request, b *blobstore.BlobStore) {
	headers := make(map[string]string)
	for key, values := range r.Header {
		if name, ok := strings.CutPrefix(key, BlobHeaderPrefix); ok && len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["content-type"] = ct
	}

	blob, err := b.Create(r.Context(), r.Body, headers)
	if err != nil {
		a.writeBlobError(w, r, err)
		return
	}
	logging.FromCtx(r.Context(), a.logger).Debugf("blob uploaded", map[string]any{
		logging.FieldBlobStore: b.Name(),
		"blobId":               blob.ID,
		"size":                 blob.Size(),
	})
	a.writeJSON(w, http.StatusCreated, blobCreated{
		ID:     blob.ID,
		Size:   blob.Size(),
		SHA256: blob.Properties.SHA256,
	})
}

func (a *AdminAPI) handleGetBlob(w http.ResponseWriter, r *http.Request, b *blobstore.BlobStore) {
	blob, err := b.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeBlobError(w, r, err)
		return
	}
	ct := blob.Properties.Headers["content-type"]
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size(), 10))
	w.Header().Set("ETag", strconv.Quote(blob.Properties.SHA256))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Bytes())
}

func (a *AdminAPI) handleHeadBlob(w http.ResponseWriter, r *http.Request, b *blobstore.BlobStore) {
	if !b.Exists(r.Context(), r.PathValue("id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *AdminAPI) handleDeleteBlob(w http.ResponseWriter, r *http.Request, b *blobstore.BlobStore) {
	existed, err := b.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeBlobError(w, r, err)
		return
	}
	if !existed {
		a.writeError(w, r, http.StatusNotFound, blobstore.ErrBlobNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) writeBlobError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, blobstore.ErrInvalidBlobID):
		status = http.StatusBadRequest
	}
	a.writeError(w, r, status, err)
}
