package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRevsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revs <path>",
		Short: "List revisions of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRevs,
	}

	cmd.Flags().Int("limit", 0, "maximum number of revisions")

	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path> <rev>",
		Short: "Restore a file to an earlier revision",
		Args:  cobra.ExactArgs(2),
		RunE:  runRestore,
	}
}

// revJSONEntry is the JSON output schema for one revision in revs output.
type revJSONEntry struct {
	Rev        string `json:"rev"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
	IsDeleted  bool   `json:"is_deleted,omitempty"`
}

func runRevs(cmd *cobra.Command, args []string) error {
	remotePath := args[0]

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	revs, err := client.Revisions(cmd.Context(), remotePath, limit)
	if err != nil {
		return fmt.Errorf("listing revisions of %q: %w", remotePath, err)
	}

	if flagJSON {
		out := make([]revJSONEntry, 0, len(revs))
		for i := range revs {
			out = append(out, revJSONEntry{
				Rev:        revs[i].Rev,
				Size:       revs[i].Size,
				ModifiedAt: revs[i].Modified.UTC().Format(time.RFC3339),
				IsDeleted:  revs[i].IsDeleted,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	headers := []string{"REV", "SIZE", "MODIFIED", ""}
	rows := make([][]string, 0, len(revs))

	for i := range revs {
		note := ""
		if revs[i].IsDeleted {
			note = "deleted"
		}

		rows = append(rows, []string{revs[i].Rev, formatSize(revs[i].Size), formatTime(revs[i].Modified), note})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	remotePath, rev := args[0], args[1]

	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	entry, err := client.Restore(cmd.Context(), remotePath, rev)
	if err != nil {
		return fmt.Errorf("restoring %q to rev %s: %w", remotePath, rev, err)
	}

	statusf("Restored %s to rev %s\n", entry.Path, entry.Rev)

	return nil
}
