package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// linkTimeFormat is the expiry layout on link responses; same form as
// metadata timestamps.
const linkTimeFormat = metadataTimeFormat

// linkResponse mirrors the JSON of the shares and media endpoints.
type linkResponse struct {
	URL     string `json:"url"`
	Expires string `json:"expires"`
}

// ShareLinkOptions configures a ShareLink call.
type ShareLinkOptions struct {
	// Long requests a full preview-page URL instead of a db.tt short link.
	Long bool
}

// ShareLink creates a public preview link to the file or folder at path.
func (c *Client) ShareLink(ctx context.Context, path string, opts *ShareLinkOptions) (*Link, error) {
	params := url.Values{}
	if opts != nil && opts.Long {
		params.Set("short_url", "false")
	}

	c.logger.Info("creating share link", slog.String("path", path))

	return c.linkCall(ctx, c.apiPath("shares", path), params)
}

// MediaLink creates a direct content link to the file at path, suitable
// for streaming. Media links expire after a few hours.
func (c *Client) MediaLink(ctx context.Context, path string) (*Link, error) {
	c.logger.Debug("creating media link", slog.String("path", path))

	return c.linkCall(ctx, c.apiPath("media", path), nil)
}

// CopyRef creates a reference to the file at path that any account can
// pass to Copy, transferring the content without re-uploading it.
func (c *Client) CopyRef(ctx context.Context, path string) (*Link, error) {
	c.logger.Debug("creating copy ref", slog.String("path", path))

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.apiPath("copy_ref", path),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		CopyRef string `json:"copy_ref"`
		Expires string `json:"expires"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding copy_ref response: %w", err)
	}

	return &Link{
		URL:     raw.CopyRef,
		Expires: parseMetadataTime(raw.Expires, c.logger),
	}, nil
}

// linkCall dispatches a POST whose response is a {url, expires} pair.
func (c *Client) linkCall(ctx context.Context, urlStr string, params url.Values) (*Link, error) {
	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodPost,
		URL:    urlStr,
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding link response: %w", err)
	}

	expires, err := time.Parse(linkTimeFormat, raw.Expires)
	if err != nil {
		c.logger.Warn("unparseable link expiry",
			slog.String("value", raw.Expires),
		)
	}

	return &Link{URL: raw.URL, Expires: expires}, nil
}
