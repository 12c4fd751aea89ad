package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// downloadWorkers caps concurrent downloads during recursive get.
const downloadWorkers = 4

// watchDebounce coalesces bursts of filesystem events into one upload.
const watchDebounce = 500 * time.Millisecond

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().Bool("deleted", false, "include deleted entries")

	return cmd
}

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}

	cmd.Flags().String("rev", "", "stat a specific revision")

	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file or folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}

	cmd.Flags().BoolP("recursive", "r", false, "download folders recursively")
	cmd.Flags().String("rev", "", "download a specific revision")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}

	cmd.Flags().Bool("no-overwrite", false, "rename instead of replacing an existing remote file")
	cmd.Flags().Bool("watch", false, "keep running and re-upload whenever the local file changes")

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder in your Dropbox. Deleted items can be restored
from revision history (see 'dropbox-go revs' and 'dropbox-go restore').

Folder deletion is recursive. Use --recursive (-r) to confirm intent when
deleting folders.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move or rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runMv,
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <from> <to>",
		Short: "Copy a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runCp,
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query> [path]",
		Short: "Search file and folder names",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSearch,
	}

	cmd.Flags().Int("limit", 0, "maximum number of matches")
	cmd.Flags().Bool("deleted", false, "include deleted entries")

	return cmd
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	deleted, err := cmd.Flags().GetBool("deleted")
	if err != nil {
		return err
	}

	logger.Debug("ls", "path", remotePath)

	entry, err := client.Stat(ctx, remotePath, &dropbox.StatOptions{ReadDir: true, Deleted: deleted})
	if err != nil {
		return fmt.Errorf("listing %q: %w", remotePath, err)
	}

	entries := entry.Contents
	if !entry.IsDir {
		entries = []dropbox.Entry{*entry}
	}

	if flagJSON {
		return printEntriesJSON(entries)
	}

	printEntriesTable(entries)

	return nil
}

// lsJSONEntry is the JSON output schema for a single entry in ls output.
type lsJSONEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	IsDir      bool   `json:"is_dir"`
	IsDeleted  bool   `json:"is_deleted,omitempty"`
	ModifiedAt string `json:"modified_at"`
	Rev        string `json:"rev"`
}

func printEntriesJSON(entries []dropbox.Entry) error {
	out := make([]lsJSONEntry, 0, len(entries))
	for i := range entries {
		out = append(out, lsJSONEntry{
			Path:       entries[i].Path,
			Size:       entries[i].Size,
			IsDir:      entries[i].IsDir,
			IsDeleted:  entries[i].IsDeleted,
			ModifiedAt: entries[i].Modified.UTC().Format(time.RFC3339),
			Rev:        entries[i].Rev,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printEntriesTable(entries []dropbox.Entry) {
	// Sort: folders first, then alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		return entries[i].Name < entries[j].Name
	})

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		name := entries[i].Name
		if entries[i].IsDir {
			name += "/"
		}

		rows = append(rows, []string{name, formatSize(entries[i].Size), formatTime(entries[i].Modified)})
	}

	printTable(os.Stdout, headers, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	rev, err := cmd.Flags().GetString("rev")
	if err != nil {
		return err
	}

	logger.Debug("stat", "path", remotePath)

	entry, err := client.Stat(ctx, remotePath, &dropbox.StatOptions{Rev: rev})
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if flagJSON {
		return printStatJSON(entry)
	}

	printStatText(entry)

	return nil
}

// statJSONOutput is the JSON output schema for the stat command.
type statJSONOutput struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	IsDir      bool   `json:"is_dir"`
	IsDeleted  bool   `json:"is_deleted,omitempty"`
	ModifiedAt string `json:"modified_at"`
	MimeType   string `json:"mime_type,omitempty"`
	Rev        string `json:"rev"`
}

func printStatJSON(entry *dropbox.Entry) error {
	out := statJSONOutput{
		Path:       entry.Path,
		Size:       entry.Size,
		IsDir:      entry.IsDir,
		IsDeleted:  entry.IsDeleted,
		ModifiedAt: entry.Modified.UTC().Format(time.RFC3339),
		MimeType:   entry.MimeType,
		Rev:        entry.Rev,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printStatText(entry *dropbox.Entry) {
	entryType := "file"
	if entry.IsDir {
		entryType = "folder"
	}

	fmt.Printf("Path:     %s\n", entry.Path)
	fmt.Printf("Type:     %s\n", entryType)

	if !entry.IsDir {
		fmt.Printf("Size:     %s (%d bytes)\n", formatSize(entry.Size), entry.Size)
	}

	if !entry.Modified.IsZero() {
		fmt.Printf("Modified: %s\n", entry.Modified.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	fmt.Printf("Rev:      %s\n", entry.Rev)

	if entry.MimeType != "" {
		fmt.Printf("MIME:     %s\n", entry.MimeType)
	}

	if entry.IsDeleted {
		fmt.Printf("Deleted:  yes\n")
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	rev, err := cmd.Flags().GetString("rev")
	if err != nil {
		return err
	}

	logger.Debug("get", "remote_path", remotePath, "recursive", recursive)

	entry, err := client.Stat(ctx, remotePath, &dropbox.StatOptions{ReadDir: recursive})
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if entry.IsDir {
		if !recursive {
			return fmt.Errorf("%q is a folder; use --recursive (-r) to download it", remotePath)
		}

		localDir := entry.Name
		if len(args) > 1 {
			localDir = args[1]
		}

		return downloadTree(ctx, client, entry, localDir, logger)
	}

	localPath := entry.Name
	if len(args) > 1 {
		localPath = args[1]
	}

	size, err := downloadFile(ctx, client, entry.Path, localPath, rev)
	if err != nil {
		return err
	}

	logger.Debug("download complete", "local_path", localPath, "bytes", size)
	statusf("Downloaded %s (%s)\n", localPath, formatSize(size))

	return nil
}

// downloadFile streams a remote file to localPath via a .partial file that
// is renamed into place once the transfer completes.
func downloadFile(ctx context.Context, client *dropbox.Client, remotePath, localPath, rev string) (int64, error) {
	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file for download: %w", err)
	}

	_, size, dlErr := client.Download(ctx, remotePath, f, &dropbox.DownloadOptions{Rev: rev})

	closeErr := f.Close()

	if dlErr != nil {
		os.Remove(partialPath)
		return 0, fmt.Errorf("downloading %q: %w", remotePath, dlErr)
	}

	if closeErr != nil {
		os.Remove(partialPath)
		return 0, fmt.Errorf("writing %q: %w", partialPath, closeErr)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return size, nil
}

// downloadTree mirrors a remote folder under localDir, downloading files
// on a bounded worker pool.
func downloadTree(ctx context.Context, client *dropbox.Client, root *dropbox.Entry, localDir string, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)

	var files, bytes int64

	if err := walkRemote(ctx, g, client, root, localDir, &files, &bytes); err != nil {
		return err
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Debug("recursive download complete", "files", files, "bytes", bytes)
	statusf("Downloaded %d files (%s) to %s\n", files, formatSize(bytes), localDir)

	return nil
}

// walkRemote descends the remote folder serially, scheduling one download
// task per file. Folder listings stay sequential so the worker pool is
// spent on transfers.
func walkRemote(
	ctx context.Context, g *errgroup.Group, client *dropbox.Client,
	folder *dropbox.Entry, localDir string, files, bytes *int64,
) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("creating %q: %w", localDir, err)
	}

	contents := folder.Contents
	if contents == nil {
		listed, err := client.ReadDir(ctx, folder.Path)
		if err != nil {
			return fmt.Errorf("listing %q: %w", folder.Path, err)
		}

		contents = listed
	}

	for i := range contents {
		child := contents[i]

		if child.IsDeleted {
			continue
		}

		localPath := filepath.Join(localDir, child.Name)

		if child.IsDir {
			if err := walkRemote(ctx, g, client, &child, localPath, files, bytes); err != nil {
				return err
			}

			continue
		}

		(*files)++
		*bytes += child.Size

		g.Go(func() error {
			_, err := downloadFile(ctx, client, child.Path, localPath, "")
			return err
		})
	}

	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	logger := buildLogger()

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	// Default remote path is root + local filename.
	remotePath := "/" + filepath.Base(localPath)
	if len(args) > 1 {
		remotePath = args[1]
	}

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	noOverwrite, err := cmd.Flags().GetBool("no-overwrite")
	if err != nil {
		return err
	}

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	opts := &dropbox.UploadOptions{NoOverwrite: noOverwrite}

	entry, err := uploadFile(cmd.Context(), client, localPath, remotePath, opts)
	if err != nil {
		return err
	}

	logger.Debug("upload complete", "remote_path", entry.Path, "size", entry.Size)
	statusf("Uploaded %s (%s)\n", entry.Path, formatSize(entry.Size))

	if !watch {
		return nil
	}

	return watchAndUpload(client, localPath, remotePath, entry.Rev, logger)
}

func uploadFile(ctx context.Context, client *dropbox.Client, localPath, remotePath string, opts *dropbox.UploadOptions) (*dropbox.Entry, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	entry, err := client.Upload(ctx, remotePath, f, opts)
	if err != nil {
		return nil, fmt.Errorf("uploading %q: %w", remotePath, err)
	}

	return entry, nil
}

// watchAndUpload blocks, re-uploading the file whenever it changes on disk,
// until interrupted. Each upload carries the previous revision so remote
// edits surface as conflict copies instead of being clobbered.
func watchAndUpload(client *dropbox.Client, localPath, remotePath, parentRev string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors that save via rename
	// replace the inode and a file watch would go stale.
	dir := filepath.Dir(localPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %q: %w", dir, err)
	}

	statusf("Watching %s (Ctrl-C to stop)\n", localPath)

	var timer *time.Timer

	uploads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(localPath) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Debounce: editors emit several events per save.
			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case uploads <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("watch error", "error", err.Error())

		case <-uploads:
			entry, err := uploadFile(ctx, client, localPath, remotePath, &dropbox.UploadOptions{ParentRev: parentRev})
			if err != nil {
				logger.Warn("upload failed, still watching", "error", err.Error())
				continue
			}

			parentRev = entry.Rev

			statusf("Uploaded %s (%s)\n", entry.Path, formatSize(entry.Size))
		}
	}
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
}

func runRm(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	logger.Debug("rm", "path", remotePath)

	entry, err := client.Stat(ctx, remotePath, nil)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	if entry.IsDir && !recursive {
		return fmt.Errorf("cannot delete folder %q without --recursive (-r) flag", remotePath)
	}

	if _, err := client.Remove(ctx, remotePath); err != nil {
		return fmt.Errorf("deleting %q: %w", remotePath, err)
	}

	logger.Debug("delete complete", "path", remotePath)

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rmJSONOutput{Deleted: remotePath})
	}

	statusf("Deleted %s\n", remotePath)

	return nil
}

func runMv(cmd *cobra.Command, args []string) error {
	return runFileop(cmd, args[0], args[1], "Moved", "moving", func(ctx context.Context, client *dropbox.Client, from, to string) (*dropbox.Entry, error) {
		return client.Move(ctx, from, to)
	})
}

func runCp(cmd *cobra.Command, args []string) error {
	return runFileop(cmd, args[0], args[1], "Copied", "copying", func(ctx context.Context, client *dropbox.Client, from, to string) (*dropbox.Entry, error) {
		return client.Copy(ctx, from, to)
	})
}

// fileopJSONOutput is the JSON output schema for mv and cp.
type fileopJSONOutput struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rev  string `json:"rev"`
}

func runFileop(
	cmd *cobra.Command, from, to, verb, errVerb string,
	op func(context.Context, *dropbox.Client, string, string) (*dropbox.Entry, error),
) error {
	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	entry, err := op(ctx, client, from, to)
	if err != nil {
		return fmt.Errorf("%s %q to %q: %w", errVerb, from, to, err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(fileopJSONOutput{From: from, To: entry.Path, Rev: entry.Rev})
	}

	statusf("%s %s to %s\n", verb, from, entry.Path)

	return nil
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	logger.Debug("mkdir", "path", remotePath)

	entry, err := client.Mkdir(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("creating folder %q: %w", remotePath, err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(mkdirJSONOutput{Created: entry.Path})
	}

	statusf("Created %s\n", entry.Path)

	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := args[0]

	searchPath := "/"
	if len(args) > 1 {
		searchPath = args[1]
	}

	ctx := cmd.Context()
	logger := buildLogger()

	client, err := newClient(logger)
	if err != nil {
		return err
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	deleted, err := cmd.Flags().GetBool("deleted")
	if err != nil {
		return err
	}

	logger.Debug("search", "query", query, "path", searchPath)

	entries, err := client.Search(ctx, searchPath, query, &dropbox.SearchOptions{Limit: limit, Deleted: deleted})
	if err != nil {
		return fmt.Errorf("searching for %q: %w", query, err)
	}

	if flagJSON {
		return printEntriesJSON(entries)
	}

	if len(entries) == 0 {
		statusf("No matches.\n")
		return nil
	}

	headers := []string{"PATH", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		display := entries[i].Path
		if entries[i].IsDir {
			display += "/"
		}

		rows = append(rows, []string{display, formatSize(entries[i].Size), formatTime(entries[i].Modified)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
