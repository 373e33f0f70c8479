package torrent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	anacrolix "github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
)

const (
	sampleInterval = time.Second

	// Sequential readahead on media readers, so playback close behind
	// the download edge keeps pieces arriving in order.
	readaheadBytes = 8 << 20
)

var (
	ErrBadLocator = errors.New("malformed swarm locator")
)

type (
	// Manager owns the process-wide transfer slot: at most one
	// non-idle transfer exists, and starting a new one tears down the
	// previous one under the same lock, so two transfers can never be
	// live at once. Keying transfers by room id would lift the
	// single-slot limit; the slot is the data structure to replace.
	Manager struct {
		logger zerolog.Logger
		client *anacrolix.Client

		// begin admits a locator to the swarm and hands back the slot
		// record; kept as a field so tests can exercise the slot
		// replacement logic without joining a real swarm.
		begin func(locator string) (*transfer, error)

		mx       sync.Mutex
		transfer *transfer
	}

	// transfer is the singleton slot record. All fields are guarded by
	// the manager mutex except tor and file, which are set once before
	// the sampling loop starts and are internally synchronized by the
	// swarm library.
	transfer struct {
		locator   string
		status    string
		errDetail string
		files     []string

		tor  *anacrolix.Torrent
		file *anacrolix.File

		cancel context.CancelFunc

		lastSample     time.Time
		lastDownloaded int64
		lastUploaded   int64
		downloadRate   float64
		uploadRate     float64
	}

	Config struct {
		Logger  *zerolog.Logger
		DataDir string
	}
)

func NewManager(cfg Config) (*Manager, error) {
	tcfg := anacrolix.NewDefaultClientConfig()
	tcfg.DataDir = cfg.DataDir
	client, err := anacrolix.NewClient(tcfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger: cfg.Logger.With().Str("component", "swarm-gateway").Logger(),
		client: client,
	}
	m.begin = m.beginTransfer
	return m, nil
}

func (m *Manager) Close() {
	m.mx.Lock()
	m.teardownLocked()
	m.mx.Unlock()
	m.client.Close()
}

// Start begins a transfer for the locator. Starting the locator that
// is already active returns its current status; any other active
// transfer is torn down first.
func (m *Manager) Start(locator string) (Status, error) {
	if !strings.HasPrefix(locator, "magnet:?") {
		return Status{}, ErrBadLocator
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if st, ok := m.reuseLocked(locator); ok {
		return st, nil
	}
	m.teardownLocked()

	tr, err := m.begin(locator)
	if err != nil {
		return Status{}, errors.Join(ErrBadLocator, err)
	}
	m.transfer = tr
	m.logger.Info().Str("locator", locator).Msg("transfer starting")
	return m.statusLocked(), nil
}

// beginTransfer announces the magnet to the swarm and kicks off
// metadata resolution for the new slot record.
func (m *Manager) beginTransfer(locator string) (*transfer, error) {
	tor, err := m.client.AddMagnet(locator)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr := &transfer{
		locator: locator,
		status:  StatusConnecting,
		tor:     tor,
		cancel:  cancel,
	}
	go m.resolve(ctx, tr)
	return tr, nil
}

// reuseLocked reports the current status when the same locator is
// already occupying the slot.
func (m *Manager) reuseLocked(locator string) (Status, bool) {
	if m.transfer != nil && m.transfer.locator == locator && m.transfer.status != StatusIdle {
		return m.statusLocked(), true
	}
	return Status{}, false
}

// Remove cancels the active transfer and frees the slot. No-op when
// already idle.
func (m *Manager) Remove() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.teardownLocked()
}

// teardownLocked severs all peer connections for the active transfer
// and frees the slot. Dropping the torrent is immediate; network
// teardown finishes in the background.
func (m *Manager) teardownLocked() {
	tr := m.transfer
	if tr == nil {
		return
	}
	tr.cancel()
	if tr.tor != nil {
		tr.tor.Drop()
	}
	m.transfer = nil
	m.logger.Info().Str("locator", tr.locator).Msg("transfer removed")
}

// resolve waits for swarm metadata, selects the video file, and kicks
// off download prioritization and telemetry sampling.
func (m *Manager) resolve(ctx context.Context, tr *transfer) {
	select {
	case <-ctx.Done():
		return
	case <-tr.tor.Closed():
		m.failTransfer(tr, "swarm connection closed before metadata resolved")
		return
	case <-tr.tor.GotInfo():
	}

	files := tr.tor.Files()
	view := make([]fileView, len(files))
	names := make([]string, len(files))
	for i, f := range files {
		view[i] = fileView{path: f.DisplayPath(), length: f.Length()}
		names[i] = f.DisplayPath()
	}

	m.mx.Lock()
	if m.transfer != tr {
		// replaced while resolving
		m.mx.Unlock()
		return
	}
	idx, ok := pickVideo(view)
	if !ok {
		tr.status = StatusNoVideo
		tr.files = names
		m.mx.Unlock()
		m.logger.Warn().Str("locator", tr.locator).Msg("no video file in swarm")
		return
	}
	tr.file = files[idx]
	tr.status = StatusDownloading
	tr.lastSample = time.Now()
	m.mx.Unlock()

	files[idx].Download()
	m.logger.Info().
		Str("locator", tr.locator).
		Str("file", view[idx].path).
		Int64("bytes", view[idx].length).
		Msg("video file selected")

	go m.sample(ctx, tr)
}

func (m *Manager) failTransfer(tr *transfer, detail string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.transfer != tr {
		return
	}
	tr.status = StatusError
	tr.errDetail = detail
	m.logger.Error().Str("locator", tr.locator).Str("detail", detail).Msg("transfer failed")
}

func (m *Manager) sample(ctx context.Context, tr *transfer) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !m.sampleOnce(tr, now) {
				return
			}
		}
	}
}

// sampleOnce refreshes the rate telemetry and promotes the transfer to
// ready once enough of the file's head is present for range reads.
func (m *Manager) sampleOnce(tr *transfer, now time.Time) bool {
	downloaded := tr.file.BytesCompleted()
	stats := tr.tor.Stats()
	uploaded := stats.BytesWrittenData.Int64()

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.transfer != tr {
		return false
	}
	if dt := now.Sub(tr.lastSample).Seconds(); dt > 0 {
		tr.downloadRate = float64(downloaded-tr.lastDownloaded) / dt
		tr.uploadRate = float64(uploaded-tr.lastUploaded) / dt
	}
	tr.lastSample = now
	tr.lastDownloaded = downloaded
	tr.lastUploaded = uploaded

	if tr.status == StatusDownloading && float64(downloaded) >= readyFraction*float64(tr.file.Length()) {
		tr.status = StatusReady
		m.logger.Info().Str("locator", tr.locator).Msg("transfer ready for streaming")
	}
	return true
}

func (m *Manager) Status() Status {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	tr := m.transfer
	if tr == nil {
		return Status{Status: StatusIdle}
	}
	st := Status{
		Status:       tr.status,
		Locator:      tr.locator,
		DownloadRate: tr.downloadRate,
		UploadRate:   tr.uploadRate,
		Error:        tr.errDetail,
		Files:        tr.files,
	}
	if tr.tor != nil {
		st.PeerCount = tr.tor.Stats().ActivePeers
	}
	if tr.file != nil {
		st.SelectedFile = tr.file.DisplayPath()
		st.TotalBytes = tr.file.Length()
		st.DownloadedBytes = tr.file.BytesCompleted()
		if st.TotalBytes > 0 {
			st.Progress = 100 * float64(st.DownloadedBytes) / float64(st.TotalBytes)
		}
		if remaining := st.TotalBytes - st.DownloadedBytes; remaining > 0 && tr.downloadRate > 0 {
			st.ETASeconds = float64(remaining) / tr.downloadRate
		}
	}
	return st
}

// ServeMedia streams the selected file, honoring byte-range requests.
// The swarm reader serves already-downloaded spans immediately and
// blocks fetching on demand otherwise, so mid-download playback works.
func (m *Manager) ServeMedia(w http.ResponseWriter, r *http.Request) {
	m.mx.Lock()
	tr := m.transfer
	if tr == nil || tr.file == nil || tr.status != StatusReady {
		m.mx.Unlock()
		http.Error(w, "no media selected", http.StatusNotFound)
		return
	}
	file := tr.file
	name := tr.file.DisplayPath()
	total := tr.file.Length()
	m.mx.Unlock()

	rd := file.NewReader()
	defer func() {
		_ = rd.Close()
	}()
	rd.SetReadahead(readaheadBytes)
	serveRange(w, r, rd, name, total, &m.logger)
}
