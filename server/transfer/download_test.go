package transfer

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	r, err := parseRange(``, 1000)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = parseRange(`bytes=100-199`, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.start)
	assert.Equal(t, int64(199), r.end)

	r, err = parseRange(`bytes=500-`, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.start)
	assert.Equal(t, int64(999), r.end)

	r, err = parseRange(`bytes=-100`, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(900), r.start)
	assert.Equal(t, int64(999), r.end)

	// End past EOF clamps.
	r, err = parseRange(`bytes=900-5000`, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(999), r.end)

	for _, bad := range []string{`bytes=1000-`, `bytes=5-2`, `bytes=a-b`, `items=0-1`, `bytes=0-1,5-9`} {
		_, err = parseRange(bad, 1000)
		assert.Error(t, err, bad)
	}
}

func serveRequest(t *testing.T, root, file, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, `/files/download/x`, nil)
	if len(rangeHeader) > 0 {
		ctx.Request.Header.Set(`Range`, rangeHeader)
	}
	ServeFile(ctx, `device-1`, filepath.Join(root, file))
	return recorder
}

func TestServeFileWhole(t *testing.T) {
	root := setup(t)
	data := pattern(10000)
	require.NoError(t, os.WriteFile(filepath.Join(root, `doc.pdf`), data, 0o600))

	resp := serveRequest(t, root, `doc.pdf`, ``)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, `application/pdf`, resp.Header().Get(`Content-Type`))
	assert.Equal(t, `bytes`, resp.Header().Get(`Accept-Ranges`))
	assert.True(t, bytes.Equal(data, resp.Body.Bytes()))
}

func TestServeFileRange(t *testing.T) {
	root := setup(t)
	data := pattern(10000)
	require.NoError(t, os.WriteFile(filepath.Join(root, `doc.bin`), data, 0o600))

	resp := serveRequest(t, root, `doc.bin`, `bytes=100-199`)
	assert.Equal(t, http.StatusPartialContent, resp.Code)
	assert.Equal(t, `bytes 100-199/10000`, resp.Header().Get(`Content-Range`))
	assert.Equal(t, 100, resp.Body.Len())
	assert.True(t, bytes.Equal(data[100:200], resp.Body.Bytes()))
}

func TestServeFileOpenEndedRange(t *testing.T) {
	root := setup(t)
	data := pattern(5000)
	require.NoError(t, os.WriteFile(filepath.Join(root, `tail.bin`), data, 0o600))

	resp := serveRequest(t, root, `tail.bin`, `bytes=4000-`)
	assert.Equal(t, http.StatusPartialContent, resp.Code)
	assert.True(t, bytes.Equal(data[4000:], resp.Body.Bytes()))
}

func TestServeFileUnsatisfiableRange(t *testing.T) {
	root := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, `small.bin`), pattern(100), 0o600))

	resp := serveRequest(t, root, `small.bin`, `bytes=100-`)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.Code)
	assert.Equal(t, `bytes */100`, resp.Header().Get(`Content-Range`))
}

func TestServeFileMissing(t *testing.T) {
	root := setup(t)
	resp := serveRequest(t, root, `nope.bin`, ``)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServeFileOutsideRoots(t *testing.T) {
	setup(t)
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, `/files/download/x`, nil)
	ServeFile(ctx, `device-1`, `/etc/hostname`)
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestDownloadSessionRetires(t *testing.T) {
	root := setup(t)
	data := pattern(2000)
	require.NoError(t, os.WriteFile(filepath.Join(root, `once.bin`), data, 0o600))

	serveRequest(t, root, `once.bin`, ``)
	for _, s := range Active() {
		assert.NotEqual(t, DirectionDownload, s.Direction, `fully sent download should retire`)
	}

	// A partial read leaves the session around for /transfers/active.
	serveRequest(t, root, `once.bin`, `bytes=0-99`)
	found := false
	for _, s := range Active() {
		if s.Direction == DirectionDownload {
			found = true
			assert.Equal(t, int64(100), s.SentBytes)
		}
	}
	assert.True(t, found)
}
