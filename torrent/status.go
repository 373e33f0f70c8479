package torrent

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Transfer statuses.
const (
	StatusIdle        = "idle"
	StatusConnecting  = "connecting"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusNoVideo     = "no-video"
	StatusError       = "error"
)

// readyFraction is the downloaded share of the selected file at which
// byte-range reads start returning data.
const readyFraction = 0.005

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".avi":  true,
	".mov":  true,
	".m4v":  true,
}

var errBadRange = errors.New("malformed range header")

// Status is the transfer telemetry returned by status polls.
type Status struct {
	Status          string   `json:"status"`
	Locator         string   `json:"locator,omitempty"`
	Progress        float64  `json:"progress"`
	DownloadRate    float64  `json:"downloadRate"`
	UploadRate      float64  `json:"uploadRate"`
	PeerCount       int      `json:"peerCount"`
	DownloadedBytes int64    `json:"downloadedBytes"`
	SelectedFile    string   `json:"selectedFile,omitempty"`
	TotalBytes      int64    `json:"totalBytes,omitempty"`
	ETASeconds      float64  `json:"estimatedSecondsRemaining,omitempty"`
	Error           string   `json:"error,omitempty"`
	Files           []string `json:"files,omitempty"`
}

// fileView is the slice of torrent file metadata the selection logic
// operates on, kept separate from the swarm library's file handles.
type fileView struct {
	path   string
	length int64
}

// pickVideo returns the index of the largest file whose extension is
// on the video allow-list, or false when nothing matches.
func pickVideo(files []fileView) (int, bool) {
	best, found := 0, false
	for i, f := range files {
		if !videoExtensions[strings.ToLower(filepath.Ext(f.path))] {
			continue
		}
		if !found || f.length > files[best].length {
			best, found = i, true
		}
	}
	return best, found
}

// parseRange parses "bytes=start-end" with an optional end, against a
// file of the given total length. total must be positive.
func parseRange(header string, total int64) (start, end int64, err error) {
	span, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errBadRange
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, errBadRange
	}
	start, err = strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, errors.Join(errBadRange, err)
	}
	end = total - 1
	if to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil {
			return 0, 0, errors.Join(errBadRange, err)
		}
	}
	if start < 0 || start > end || end >= total {
		return 0, 0, fmt.Errorf("%w: bytes %d-%d outside [0, %d]", errBadRange, start, end, total-1)
	}
	return start, end, nil
}

// serveRange streams the requested span of src. No Range header means
// the whole file with status 200; a valid range means status 206 with
// the exact Content-Range/Content-Length pair; an unsatisfiable range
// means 416. A copy failure mid-stream is scoped to this one response.
func serveRange(w http.ResponseWriter, r *http.Request, src io.ReadSeeker, name string, total int64, logger *zerolog.Logger) {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	header := r.Header.Get("Range")
	if header == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.CopyN(w, src, total); err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("media stream interrupted")
		}
		return
	}

	start, end, err := parseRange(header, total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if _, err = src.Seek(start, io.SeekStart); err != nil {
		logger.Error().Err(err).Str("file", name).Msg("seek failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err = io.CopyN(w, src, end-start+1); err != nil {
		logger.Warn().Err(err).Str("file", name).Msg("media stream interrupted")
	}
}
