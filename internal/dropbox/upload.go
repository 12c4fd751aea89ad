package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// UploadOptions configures an Upload call.
type UploadOptions struct {
	// NoOverwrite makes the server rename the upload instead of replacing
	// an existing file at the same path.
	NoOverwrite bool

	// ParentRev is the revision the caller last read. If the file changed
	// since, the server stores the upload under a conflict name rather
	// than clobbering the newer content.
	ParentRev string
}

// Upload writes r as the content of the file at path and returns the
// resulting metadata. The content is streamed in a single request, so a
// transport failure mid-body is not retried.
func (c *Client) Upload(ctx context.Context, path string, r io.Reader, opts *UploadOptions) (*Entry, error) {
	params := url.Values{}

	if opts != nil {
		if opts.NoOverwrite {
			params.Set("overwrite", "false")
		}

		if opts.ParentRev != "" {
			params.Set("parent_rev", opts.ParentRev)
		}
	}

	c.logger.Info("uploading", slog.String("path", path))

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodPut,
		URL:    c.contentPath("files_put", path),
		Params: params,
		Header: header,
		Body:   r,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding upload response: %w", err)
	}

	entry := raw.toEntry(c.logger)

	c.logger.Debug("upload complete",
		slog.String("path", entry.Path),
		slog.String("rev", entry.Rev),
		slog.Int64("bytes", entry.Size),
	)

	return &entry, nil
}
