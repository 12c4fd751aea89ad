package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// Revisions lists a file's revision history, newest first. limit caps the
// number of revisions; zero means the server default.
func (c *Client) Revisions(ctx context.Context, path string, limit int) ([]Entry, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("rev_limit", strconv.Itoa(limit))
	}

	c.logger.Debug("listing revisions", slog.String("path", path))

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.apiPath("revisions", path),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding revisions response: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i := range raw {
		entries = append(entries, raw[i].toEntry(c.logger))
	}

	return entries, nil
}

// Restore makes rev the current revision of the file at path.
func (c *Client) Restore(ctx context.Context, path, rev string) (*Entry, error) {
	c.logger.Info("restoring revision",
		slog.String("path", path),
		slog.String("rev", rev),
	)

	return c.metadataCall(ctx, http.MethodPost, c.apiPath("restore", path), url.Values{
		"rev": {rev},
	})
}
