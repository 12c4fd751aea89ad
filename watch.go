package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// longpollTimeout is how long each change notification request hangs open.
const longpollTimeout = 60 * time.Second

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Stream remote changes as they happen",
		Long: `Watch your Dropbox for changes and print each one as it arrives. The
current state is consumed silently first, so only changes made after the
command starts are shown. With [path], changes outside that prefix are
filtered out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWatch,
	}

	return cmd
}

// changeJSONOutput is the JSON output schema for a single change event.
type changeJSONOutput struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed,omitempty"`
	IsDir   bool   `json:"is_dir,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Rev     string `json:"rev,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = strings.ToLower(strings.TrimRight(args[0], "/"))
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
	}

	logger := buildLogger()

	// Longpoll requests hang open far longer than the default client
	// timeout allows.
	client, err := newClientWith(logger, &http.Client{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Drain the initial snapshot so only fresh changes are printed.
	cursor, err := drainDelta(ctx, client, "", prefix, false)
	if err != nil {
		return err
	}

	statusf("Watching for changes (Ctrl-C to stop)\n")

	for {
		changes, backoff, err := client.Longpoll(ctx, cursor, longpollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("waiting for changes: %w", err)
		}

		if changes {
			cursor, err = drainDelta(ctx, client, cursor, prefix, true)
			if err != nil {
				return err
			}
		}

		if backoff > 0 {
			logger.Debug("longpoll backoff", "duration", backoff.String())

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// drainDelta pulls delta pages until the server reports no more, optionally
// printing each change, and returns the final cursor.
func drainDelta(ctx context.Context, client *dropbox.Client, cursor, prefix string, print bool) (string, error) {
	for {
		page, err := client.Delta(ctx, cursor)
		if err != nil {
			return "", fmt.Errorf("pulling changes: %w", err)
		}

		cursor = page.Cursor

		if print {
			if page.Reset {
				statusf("Server reset the change stream; some changes may have been missed.\n")
			}

			for i := range page.Changes {
				if prefix != "" && !underPrefix(page.Changes[i].Path, prefix) {
					continue
				}

				if err := printChange(&page.Changes[i]); err != nil {
					return "", err
				}
			}
		}

		if !page.HasMore {
			return cursor, nil
		}
	}
}

// underPrefix reports whether the lowercased delta path is the prefix
// itself or inside it.
func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func printChange(change *dropbox.DeltaChange) error {
	if flagJSON {
		out := changeJSONOutput{Path: change.Path}

		if change.Entry == nil {
			out.Removed = true
		} else {
			out.Path = change.Entry.Path
			out.IsDir = change.Entry.IsDir
			out.Size = change.Entry.Size
			out.Rev = change.Entry.Rev
		}

		return json.NewEncoder(os.Stdout).Encode(out)
	}

	switch {
	case change.Entry == nil:
		fmt.Printf("removed  %s\n", change.Path)
	case change.Entry.IsDir:
		fmt.Printf("folder   %s\n", change.Entry.Path)
	default:
		fmt.Printf("changed  %s (%s)\n", change.Entry.Path, formatSize(change.Entry.Size))
	}

	return nil
}
