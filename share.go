package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Create a public preview link",
		Args:  cobra.ExactArgs(1),
		RunE:  runShare,
	}

	cmd.Flags().Bool("long", false, "full preview URL instead of a shortened link")

	return cmd
}

func newMediaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "media <path>",
		Short: "Create a direct streaming link to a file's content",
		Args:  cobra.ExactArgs(1),
		RunE:  runMedia,
	}
}

// linkJSONOutput is the JSON output schema for share and media.
type linkJSONOutput struct {
	URL     string `json:"url"`
	Expires string `json:"expires,omitempty"`
}

func runShare(cmd *cobra.Command, args []string) error {
	long, err := cmd.Flags().GetBool("long")
	if err != nil {
		return err
	}

	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	link, err := client.ShareLink(cmd.Context(), args[0], &dropbox.ShareLinkOptions{Long: long})
	if err != nil {
		return fmt.Errorf("sharing %q: %w", args[0], err)
	}

	return printLink(link)
}

func runMedia(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	link, err := client.MediaLink(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("creating media link for %q: %w", args[0], err)
	}

	return printLink(link)
}

func printLink(link *dropbox.Link) error {
	if flagJSON {
		out := linkJSONOutput{URL: link.URL}
		if !link.Expires.IsZero() {
			out.Expires = link.Expires.UTC().Format(time.RFC3339)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	fmt.Println(link.URL)

	if !link.Expires.IsZero() {
		statusf("Expires %s\n", link.Expires.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	return nil
}
