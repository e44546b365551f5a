package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/pkg/rest"
)

type remoteFile struct {
	File  string `json:"file"`
	AgeMs *int64 `json:"ageMs"`
}

// HTTPBackend drives a remote capture-control service.
type HTTPBackend struct {
	rest *rest.Client
}

// NewHTTPBackend creates a backend for the service at baseURL.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{rest: rest.New(baseURL, 15*time.Second)}
}

// Start implements Backend.
func (b *HTTPBackend) Start(ctx context.Context, req StartRequest) (StartInfo, error) {
	var info StartInfo
	if err := b.rest.DoJSON(ctx, http.MethodPost, "/api/capture/start", req, &info); err != nil {
		return StartInfo{}, fmt.Errorf("failed to start remote capture: %w", err)
	}
	return info, nil
}

// Stop implements Backend.
func (b *HTTPBackend) Stop(ctx context.Context) error {
	if err := b.rest.DoJSON(ctx, http.MethodPost, "/api/capture/stop", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to stop remote capture: %w", err)
	}
	return nil
}

// Status implements Backend.
func (b *HTTPBackend) Status(ctx context.Context) (BackendStatus, error) {
	var st BackendStatus
	if err := b.rest.DoJSON(ctx, http.MethodGet, "/api/capture/status", nil, &st); err != nil {
		return BackendStatus{}, fmt.Errorf("failed to query remote capture status: %w", err)
	}
	return st, nil
}

// ListFiles implements slicestore.Lister over the service's file listing,
// which is already in ascending order.
func (b *HTTPBackend) ListFiles(ctx context.Context, sessionDir string) ([]model.SliceFile, error) {
	var files []remoteFile
	if err := b.rest.DoJSON(ctx, http.MethodGet, "/api/capture/files", nil, &files); err != nil {
		return nil, fmt.Errorf("failed to list remote slices: %w", err)
	}
	out := make([]model.SliceFile, 0, len(files))
	for _, f := range files {
		out = append(out, model.SliceFile{Path: f.File, AgeMs: f.AgeMs})
	}
	return out, nil
}
