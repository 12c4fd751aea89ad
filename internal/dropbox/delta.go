package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Longpoll timeout bounds imposed by the notify server.
const (
	minLongpollTimeout = 30 * time.Second
	maxLongpollTimeout = 480 * time.Second
)

// deltaResponse mirrors the Core API delta JSON. Each entry is a
// two-element array: the lowercased path and a metadata object or null.
type deltaResponse struct {
	Reset   bool              `json:"reset"`
	Cursor  string            `json:"cursor"`
	HasMore bool              `json:"has_more"`
	Entries []json.RawMessage `json:"entries"`
}

// Delta pulls one page of changes from the change stream. Pass an empty
// cursor for the initial pull (lists the whole Dropbox). Returns a page
// whose Cursor feeds the next Delta or Longpoll call; HasMore means more
// pages are immediately available.
func (c *Client) Delta(ctx context.Context, cursor string) (*DeltaPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	c.logger.Info("fetching delta page",
		slog.Bool("initial", cursor == ""),
	)

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.creds.servers.API + "/delta",
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding delta response: %w", err)
	}

	page := &DeltaPage{
		Reset:   raw.Reset,
		Cursor:  raw.Cursor,
		HasMore: raw.HasMore,
		Changes: make([]DeltaChange, 0, len(raw.Entries)),
	}

	for i := range raw.Entries {
		change, err := parseDeltaEntry(raw.Entries[i], c.logger)
		if err != nil {
			return nil, err
		}

		page.Changes = append(page.Changes, change)
	}

	c.logger.Debug("fetched delta page",
		slog.Int("changes", len(page.Changes)),
		slog.Bool("has_more", page.HasMore),
		slog.Bool("reset", page.Reset),
	)

	return page, nil
}

// parseDeltaEntry decodes one [path, metadata|null] pair.
func parseDeltaEntry(raw json.RawMessage, logger *slog.Logger) (DeltaChange, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return DeltaChange{}, fmt.Errorf("dropbox: malformed delta entry: %s", raw)
	}

	var change DeltaChange
	if err := json.Unmarshal(pair[0], &change.Path); err != nil {
		return DeltaChange{}, fmt.Errorf("dropbox: malformed delta entry path: %w", err)
	}

	if string(pair[1]) != "null" {
		var meta metadataResponse
		if err := json.Unmarshal(pair[1], &meta); err != nil {
			return DeltaChange{}, fmt.Errorf("dropbox: malformed delta entry metadata: %w", err)
		}

		entry := meta.toEntry(logger)
		change.Entry = &entry
	}

	return change, nil
}

// Longpoll blocks on the notify server until changes are available after
// cursor or the timeout elapses. It reports whether changes are waiting
// and a server-requested backoff to honor before the next poll.
func (c *Client) Longpoll(ctx context.Context, cursor string, timeout time.Duration) (changes bool, backoff time.Duration, err error) {
	if timeout < minLongpollTimeout {
		timeout = minLongpollTimeout
	}

	if timeout > maxLongpollTimeout {
		timeout = maxLongpollTimeout
	}

	c.logger.Debug("longpolling for changes",
		slog.Duration("timeout", timeout),
	)

	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.creds.servers.Notify + "/longpoll_delta",
		Params: url.Values{
			"cursor":  {cursor},
			"timeout": {strconv.Itoa(int(timeout / time.Second))},
		},
	})
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	var raw struct {
		Changes bool `json:"changes"`
		Backoff int  `json:"backoff"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return false, 0, fmt.Errorf("dropbox: decoding longpoll response: %w", err)
	}

	return raw.Changes, time.Duration(raw.Backoff) * time.Second, nil
}
