package dropbox

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// metadataTimeFormat is the timestamp layout used by the Core API, e.g.
// "Sat, 21 Aug 2010 22:31:20 +0000".
const metadataTimeFormat = "Mon, 2 Jan 2006 15:04:05 -0700"

// Entry represents a file or folder in the user's Dropbox.
// Fields are normalized from the Core API response — callers never see raw
// API data.
type Entry struct {
	Path           string
	Name           string
	Rev            string
	Size           int64
	IsDir          bool
	IsDeleted      bool
	HasThumbnail   bool
	MimeType       string
	FolderHash     string // opaque; only set on folder metadata with contents
	Modified       time.Time
	ClientModified time.Time

	// Contents holds the folder's children when the metadata call was made
	// with the ReadDir option. Nil otherwise.
	Contents []Entry
}

// Link is a URL produced by the share, media, and copy-ref endpoints,
// valid until Expires.
type Link struct {
	URL     string
	Expires time.Time
}

// Account describes the authenticated user.
type Account struct {
	UID          string
	Name         string
	Email        string
	Country      string
	ReferralLink string
	QuotaTotal   int64
	QuotaShared  int64
	QuotaUsed    int64
}

// DeltaChange is one entry in a delta page: the lowercased path and the
// current metadata, or nil metadata when the path was removed.
type DeltaChange struct {
	Path  string
	Entry *Entry
}

// DeltaPage is one pull from the change stream. Cursor identifies the
// position reached; pass it to the next Delta call. When Reset is set the
// caller must discard its local state before applying Changes.
type DeltaPage struct {
	Reset   bool
	Cursor  string
	HasMore bool
	Changes []DeltaChange
}

// metadataResponse mirrors the Core API metadata JSON exactly.
// Unexported — callers use Entry via toEntry() normalization.
type metadataResponse struct {
	Path        string             `json:"path"`
	Bytes       int64              `json:"bytes"`
	Rev         string             `json:"rev"`
	Hash        string             `json:"hash"`
	IsDir       bool               `json:"is_dir"`
	IsDeleted   bool               `json:"is_deleted"`
	ThumbExists bool               `json:"thumb_exists"`
	MimeType    string             `json:"mime_type"`
	Modified    string             `json:"modified"`
	ClientMtime string             `json:"client_mtime"`
	Contents    []metadataResponse `json:"contents"`
}

// toEntry normalizes a Core API metadata response into our Entry type.
func (m *metadataResponse) toEntry(logger *slog.Logger) Entry {
	e := Entry{
		Path:         m.Path,
		Name:         baseName(m.Path),
		Rev:          m.Rev,
		Size:         m.Bytes,
		IsDir:        m.IsDir,
		IsDeleted:    m.IsDeleted,
		HasThumbnail: m.ThumbExists,
		MimeType:     m.MimeType,
		FolderHash:   m.Hash,
	}

	e.Modified = parseMetadataTime(m.Modified, logger)
	e.ClientModified = parseMetadataTime(m.ClientMtime, logger)

	if len(m.Contents) > 0 {
		e.Contents = make([]Entry, 0, len(m.Contents))
		for i := range m.Contents {
			e.Contents = append(e.Contents, m.Contents[i].toEntry(logger))
		}
	}

	return e
}

// parseMetadataTime parses a Core API timestamp. Unparseable values are
// logged and returned as the zero time.
func parseMetadataTime(value string, logger *slog.Logger) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(metadataTimeFormat, value)
	if err != nil {
		logger.Warn("unparseable metadata timestamp",
			slog.String("value", value),
		)

		return time.Time{}
	}

	return t
}

// baseName returns the last segment of a slash-separated remote path.
func baseName(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}

	return trimmed
}

// normalizeRemotePath canonicalizes a user-supplied remote path: NFC
// normalization (Dropbox stores composed form), a single leading slash,
// and no trailing slash.
func normalizeRemotePath(path string) string {
	path = norm.NFC.String(path)
	path = "/" + strings.Trim(path, "/")

	if path == "/" {
		return ""
	}

	return path
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into endpoint URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}
