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

// fileListLimit is the file_limit value for metadata and search calls.
// 25000 is the maximum the Core API allows for folder listings.
const fileListLimit = 25000

// pathRoot is the path root for all endpoints: "auto" resolves to the
// application's permission level (full Dropbox or app folder).
const pathRoot = "auto"

// StatOptions configures a Stat call.
type StatOptions struct {
	// ReadDir also fetches the folder's children into Entry.Contents.
	ReadDir bool

	// Rev stats a specific revision instead of the latest one.
	Rev string

	// Deleted includes deleted entries in folder listings.
	Deleted bool
}

// Stat fetches the metadata for a file or folder.
func (c *Client) Stat(ctx context.Context, path string, opts *StatOptions) (*Entry, error) {
	params := url.Values{}

	if opts != nil {
		if opts.ReadDir {
			params.Set("list", "true")
			params.Set("file_limit", strconv.Itoa(fileListLimit))
		} else {
			params.Set("list", "false")
		}

		if opts.Rev != "" {
			params.Set("rev", opts.Rev)
		}

		if opts.Deleted {
			params.Set("include_deleted", "true")
		}
	}

	c.logger.Debug("stat", slog.String("path", path))

	return c.metadataCall(ctx, http.MethodGet, c.apiPath("metadata", path), params)
}

// ReadDir lists a folder's children.
func (c *Client) ReadDir(ctx context.Context, path string) ([]Entry, error) {
	entry, err := c.Stat(ctx, path, &StatOptions{ReadDir: true})
	if err != nil {
		return nil, err
	}

	if !entry.IsDir {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrInvalidParam, path)
	}

	return entry.Contents, nil
}

// Mkdir creates a folder.
func (c *Client) Mkdir(ctx context.Context, path string) (*Entry, error) {
	c.logger.Info("creating folder", slog.String("path", path))

	return c.metadataCall(ctx, http.MethodPost, c.creds.servers.API+"/fileops/create_folder", url.Values{
		"root": {pathRoot},
		"path": {normalizeRemotePath(path)},
	})
}

// Copy copies a file or folder. from may also be a copy-ref produced by
// CopyRef, which the server resolves against its origin file.
func (c *Client) Copy(ctx context.Context, from, to string) (*Entry, error) {
	c.logger.Info("copying",
		slog.String("from", from),
		slog.String("to", to),
	)

	return c.metadataCall(ctx, http.MethodPost, c.creds.servers.API+"/fileops/copy", url.Values{
		"root":      {pathRoot},
		"from_path": {normalizeRemotePath(from)},
		"to_path":   {normalizeRemotePath(to)},
	})
}

// Move moves or renames a file or folder.
func (c *Client) Move(ctx context.Context, from, to string) (*Entry, error) {
	c.logger.Info("moving",
		slog.String("from", from),
		slog.String("to", to),
	)

	return c.metadataCall(ctx, http.MethodPost, c.creds.servers.API+"/fileops/move", url.Values{
		"root":      {pathRoot},
		"from_path": {normalizeRemotePath(from)},
		"to_path":   {normalizeRemotePath(to)},
	})
}

// Remove deletes a file or folder (folders recursively).
func (c *Client) Remove(ctx context.Context, path string) (*Entry, error) {
	c.logger.Info("removing", slog.String("path", path))

	return c.metadataCall(ctx, http.MethodPost, c.creds.servers.API+"/fileops/delete", url.Values{
		"root": {pathRoot},
		"path": {normalizeRemotePath(path)},
	})
}

// SearchOptions configures a Search call.
type SearchOptions struct {
	// Limit caps the number of matches. Zero means the server default.
	Limit int

	// Deleted includes deleted entries in the results.
	Deleted bool
}

// Search finds files and folders under path whose names match query.
func (c *Client) Search(ctx context.Context, path, query string, opts *SearchOptions) ([]Entry, error) {
	params := url.Values{"query": {query}}

	if opts != nil {
		if opts.Limit > 0 {
			params.Set("file_limit", strconv.Itoa(opts.Limit))
		}

		if opts.Deleted {
			params.Set("include_deleted", "true")
		}
	}

	c.logger.Debug("searching",
		slog.String("path", path),
		slog.String("query", query),
	)

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.apiPath("search", path),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding search response: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i := range raw {
		entries = append(entries, raw[i].toEntry(c.logger))
	}

	return entries, nil
}

// metadataCall dispatches a request whose response body is a single
// metadata object and normalizes it.
func (c *Client) metadataCall(ctx context.Context, method, urlStr string, params url.Values) (*Entry, error) {
	resp, err := c.Dispatch(ctx, &Request{
		Method: method,
		URL:    urlStr,
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding metadata response: %w", err)
	}

	entry := raw.toEntry(c.logger)

	return &entry, nil
}

// apiPath builds an API-server URL for a per-path endpoint.
func (c *Client) apiPath(endpoint, path string) string {
	return c.creds.servers.API + "/" + endpoint + "/" + pathRoot +
		encodePathSegments(normalizeRemotePath(path))
}

// contentPath builds a content-server URL for a per-path endpoint.
func (c *Client) contentPath(endpoint, path string) string {
	return c.creds.servers.Content + "/" + endpoint + "/" + pathRoot +
		encodePathSegments(normalizeRemotePath(path))
}
