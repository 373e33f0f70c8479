package torrent

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickVideoLargestMatch(t *testing.T) {
	files := []fileView{
		{path: "sample/readme.txt", length: 1 << 10},
		{path: "sample/trailer.mp4", length: 5 << 20},
		{path: "sample/Movie.MKV", length: 700 << 20},
		{path: "sample/cover.jpg", length: 2 << 20},
	}
	idx, ok := pickVideo(files)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestPickVideoNoMatch(t *testing.T) {
	files := []fileView{
		{path: "music/track01.flac", length: 40 << 20},
		{path: "music/cover.png", length: 1 << 20},
	}
	_, ok := pickVideo(files)
	assert.False(t, ok)
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("bytes=1000-1999", 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), start)
	assert.Equal(t, int64(1999), end)
}

func TestParseRangeOpenEnded(t *testing.T) {
	start, end, err := parseRange("bytes=9000-", 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), start)
	assert.Equal(t, int64(9999), end)
}

func TestParseRangeErrors(t *testing.T) {
	for _, header := range []string{
		"bytes=10000-10001", // past the end
		"bytes=20-10",       // inverted
		"bytes=-5-10",
		"items=0-10",
		"bytes=abc-def",
		"bytes",
	} {
		_, _, err := parseRange(header, 10000)
		assert.Error(t, err, "header %q", header)
	}
}

func testBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestServeRangePartial(t *testing.T) {
	logger := zerolog.Nop()
	body := testBody(10000)

	r := httptest.NewRequest("GET", "/api/torrent/stream", nil)
	r.Header.Set("Range", "bytes=1000-1999")
	w := httptest.NewRecorder()

	serveRange(w, r, bytes.NewReader(body), "movie.mp4", 10000, &logger)

	res := w.Result()
	assert.Equal(t, 206, res.StatusCode)
	assert.Equal(t, "bytes 1000-1999/10000", res.Header.Get("Content-Range"))
	assert.Equal(t, "1000", res.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", res.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", res.Header.Get("Content-Type"))

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, body[1000:2000], got)
}

func TestServeRangeFull(t *testing.T) {
	logger := zerolog.Nop()
	body := testBody(10000)

	r := httptest.NewRequest("GET", "/api/torrent/stream", nil)
	w := httptest.NewRecorder()

	serveRange(w, r, bytes.NewReader(body), "movie.mp4", 10000, &logger)

	res := w.Result()
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "10000", res.Header.Get("Content-Length"))

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestServeRangeUnsatisfiable(t *testing.T) {
	logger := zerolog.Nop()

	r := httptest.NewRequest("GET", "/api/torrent/stream", nil)
	r.Header.Set("Range", "bytes=99999-")
	w := httptest.NewRecorder()

	serveRange(w, r, bytes.NewReader(testBody(10000)), "movie.mp4", 10000, &logger)

	res := w.Result()
	assert.Equal(t, 416, res.StatusCode)
	assert.Equal(t, "bytes */10000", res.Header.Get("Content-Range"))
}

func TestStatusIdleWithEmptySlot(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	st := m.Status()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Zero(t, st.Progress)
}

func TestReuseSameLocator(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	m.transfer = &transfer{
		locator: "magnet:?xt=urn:btih:aaaa",
		status:  StatusDownloading,
		cancel:  func() {},
	}

	st, ok := m.reuseLocked("magnet:?xt=urn:btih:aaaa")
	require.True(t, ok)
	assert.Equal(t, StatusDownloading, st.Status)

	_, ok = m.reuseLocked("magnet:?xt=urn:btih:bbbb")
	assert.False(t, ok)
}

func TestTeardownFreesSlot(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	canceled := false
	m.transfer = &transfer{
		locator: "magnet:?xt=urn:btih:aaaa",
		status:  StatusDownloading,
		cancel:  func() { canceled = true },
	}

	m.teardownLocked()
	assert.True(t, canceled)
	assert.Nil(t, m.transfer)
	assert.Equal(t, StatusIdle, m.Status().Status)

	// idempotent
	m.teardownLocked()
	assert.Nil(t, m.transfer)
}

func TestStartRejectsNonMagnetLocator(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	_, err := m.Start("not-a-magnet")
	assert.ErrorIs(t, err, ErrBadLocator)
}

func TestFailTransferIgnoresReplacedTransfer(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	old := &transfer{locator: "magnet:?xt=urn:btih:aaaa", status: StatusConnecting, cancel: func() {}}
	current := &transfer{locator: "magnet:?xt=urn:btih:bbbb", status: StatusConnecting, cancel: func() {}}
	m.transfer = current

	m.failTransfer(old, "boom")
	assert.Equal(t, StatusConnecting, current.status)

	m.failTransfer(current, "boom")
	assert.Equal(t, StatusError, current.status)
	assert.Equal(t, "boom", m.Status().Error)
}

// Starting a new locator while another transfer occupies the slot
// must tear the old one down before admitting the new one, and the
// reported status must reflect only the replacement.
func TestStartReplacesActiveTransfer(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}

	oldCanceled := false
	m.transfer = &transfer{
		locator: "magnet:?xt=urn:btih:aaaa",
		status:  StatusDownloading,
		cancel:  func() { oldCanceled = true },
	}

	var oldCanceledAtBegin bool
	m.begin = func(locator string) (*transfer, error) {
		oldCanceledAtBegin = oldCanceled
		return &transfer{
			locator: locator,
			status:  StatusConnecting,
			cancel:  func() {},
		}, nil
	}

	st, err := m.Start("magnet:?xt=urn:btih:bbbb")
	require.NoError(t, err)

	assert.True(t, oldCanceledAtBegin, "old transfer must be torn down before the new one is admitted")
	assert.Equal(t, StatusConnecting, st.Status)
	assert.Equal(t, "magnet:?xt=urn:btih:bbbb", st.Locator)
	require.NotNil(t, m.transfer)
	assert.Equal(t, "magnet:?xt=urn:btih:bbbb", m.transfer.locator)
}

func TestStartPropagatesBeginFailure(t *testing.T) {
	m := &Manager{logger: zerolog.Nop()}
	m.begin = func(string) (*transfer, error) {
		return nil, errors.New("tracker unreachable")
	}

	_, err := m.Start("magnet:?xt=urn:btih:cccc")
	assert.ErrorIs(t, err, ErrBadLocator)
	assert.Equal(t, StatusIdle, m.Status().Status)
}
