// Package analysis talks to the offline feature-extraction engine.
package analysis

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/pkg/rest"
)

type analyzeRequest struct {
	FileName  string `json:"fileName"`
	SessionID string `json:"sessionId,omitempty"`
}

type analyzeResponse struct {
	SessionID string `json:"sessionId"`
}

type reportsResponse struct {
	CSVFiles []string `json:"csvFiles"`
}

// Client implements model.Analyzer over HTTP.
type Client struct {
	rest *rest.Client
}

var _ model.Analyzer = (*Client)(nil)

// NewClient creates an analysis client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{rest: rest.New(baseURL, 30*time.Second)}
}

// Analyze submits filePath for offline analysis into outputSessionID.
func (c *Client) Analyze(ctx context.Context, filePath, outputSessionID string) (string, error) {
	var resp analyzeResponse
	req := analyzeRequest{FileName: filePath, SessionID: outputSessionID}
	if err := c.rest.DoJSON(ctx, http.MethodPost, "/api/mmt/offline", req, &resp); err != nil {
		return "", fmt.Errorf("failed to submit '%s' for analysis: %w", filePath, err)
	}
	if resp.SessionID == "" {
		resp.SessionID = outputSessionID
	}
	return resp.SessionID, nil
}

// Reports returns the report's CSV files in lexicographic order. A report
// that does not exist yet has no files.
func (c *Client) Reports(ctx context.Context, reportID string) ([]string, error) {
	var resp reportsResponse
	path := "/api/reports/" + rest.PathEscape(reportID) + "/csvs"
	if err := c.rest.DoJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if rest.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list reports for '%s': %w", reportID, err)
	}
	files := append([]string(nil), resp.CSVFiles...)
	sort.Strings(files)
	return files, nil
}
