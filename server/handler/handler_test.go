package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/credentials"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/server/pairing"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/BYTEDz/PCLink/server/transfer"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router *gin.Engine
	id     *credentials.Identity
	root   string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	config.SetDataDir(t.TempDir())
	require.NoError(t, config.Load())
	root := t.TempDir()
	config.Config.AllowedRoots = []string{root}

	id, err := credentials.LoadOrInit()
	require.NoError(t, err)
	h := hub.New()
	registry.Reset()
	require.NoError(t, registry.Init(h, id.APIKey))
	pairing.Reset()
	pairing.Init(h, id.Fingerprint)
	transfer.Reset()
	require.NoError(t, transfer.Init(h))
	auth.RevokeAllSessions()
	auth.LoginLimiter.Reset(`192.168.1.77`)

	return &testEnv{router: InitRouter(id, h), root: root}
}

type reqOpt func(*http.Request)

func withKey(key string) reqOpt {
	return func(r *http.Request) { r.Header.Set(`X-API-Key`, key) }
}

func withCookie(cookie *http.Cookie) reqOpt {
	return func(r *http.Request) { r.AddCookie(cookie) }
}

func (e *testEnv) do(method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		data, _ := utils.JSON.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = `192.168.1.77:50000`
	req.Header.Set(`Content-Type`, `application/json`)
	for _, opt := range opts {
		opt(req)
	}
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, utils.JSON.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func sessionCookie(t *testing.T, resp *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == auth.SessionCookie && len(cookie.Value) > 0 {
			return cookie
		}
	}
	t.Fatal(`no session cookie in response`)
	return nil
}

func TestStatusIsPublic(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`GET`, `/status`, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, `running`, body[`status`])
	assert.Equal(t, `https`, body[`protocol`])
	assert.Equal(t, false, body[`setup_completed`])
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`GET`, `/devices`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, `missing_credential`, decode(t, resp)[`code`])

	resp = env.do(`GET`, `/devices`, nil, withKey(`wrong-key`))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, `invalid_credential`, decode(t, resp)[`code`])
}

func TestQRPayloadGatedOnSetup(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`GET`, `/qr-payload`, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	env.do(`POST`, `/auth/setup`, map[string]string{`password`: `long enough pass`})
	resp = env.do(`GET`, `/qr-payload`, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.NotEmpty(t, body[`apiKey`])
	assert.NotEmpty(t, body[`certFingerprint`])
	assert.Equal(t, `https`, body[`protocol`])
}

func TestSetupLoginFlow(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`POST`, `/auth/setup`, map[string]string{`password`: `long enough pass`})
	require.Equal(t, http.StatusOK, resp.Code)
	cookie := sessionCookie(t, resp)

	// The setup session is live.
	resp = env.do(`GET`, `/devices`, nil, withCookie(cookie))
	assert.Equal(t, http.StatusOK, resp.Code)

	// Second setup refused.
	resp = env.do(`POST`, `/auth/setup`, map[string]string{`password`: `another password`})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// Fresh login.
	resp = env.do(`POST`, `/auth/login`, map[string]string{`password`: `wrong password!`})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = env.do(`POST`, `/auth/login`, map[string]string{`password`: `long enough pass`})
	require.Equal(t, http.StatusOK, resp.Code)
	cookie = sessionCookie(t, resp)

	resp = env.do(`GET`, `/auth/check`, nil, withCookie(cookie))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, auth.ClassOperator, decode(t, resp)[`class`])

	// Logout kills the session.
	env.do(`POST`, `/auth/logout`, nil, withCookie(cookie))
	resp = env.do(`GET`, `/devices`, nil, withCookie(cookie))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestServerKeyActsAsOperator(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)
	resp := env.do(`GET`, `/devices`, nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(`GET`, `/auth/check`, nil, withKey(key))
	assert.Equal(t, auth.ClassServer, decode(t, resp)[`class`])
}

func envServerKey(t *testing.T, env *testEnv) string {
	t.Helper()
	resp := env.do(`POST`, `/auth/setup`, map[string]string{`password`: `long enough pass`})
	require.Equal(t, http.StatusOK, resp.Code)
	qr := env.do(`GET`, `/qr-payload`, nil)
	require.Equal(t, http.StatusOK, qr.Code)
	key, _ := decode(t, qr)[`apiKey`].(string)
	require.NotEmpty(t, key)
	return key
}

func TestDeviceLifecycleOverAPI(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)

	device, err := registry.Approve(`Pixel`, `android`, `192.168.1.77`)
	require.NoError(t, err)

	resp := env.do(`GET`, `/devices`, nil, withKey(key))
	body := decode(t, resp)
	devices, _ := body[`devices`].([]any)
	require.Len(t, devices, 1)

	resp = env.do(`POST`, `/devices/revoke`, map[string]string{`device_id`: device.ID}, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(`GET`, `/auth/check`, nil, withKey(device.DeviceKey))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, `revoked_credential`, decode(t, resp)[`code`])
}

func TestToggleGate(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)

	require.NoError(t, config.SetToggle(config.ToggleFileBrowser, false))
	resp := env.do(`POST`, `/files/upload`, map[string]any{
		`target_path`: filepath.Join(env.root, `f.bin`),
		`total_size`:  100,
	}, withKey(key))
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, `service_disabled`, decode(t, resp)[`code`])

	require.NoError(t, config.SetToggle(config.ToggleFileBrowser, true))
	resp = env.do(`POST`, `/files/upload`, map[string]any{
		`target_path`: filepath.Join(env.root, `f.bin`),
		`total_size`:  100,
	}, withKey(key))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestChunkedUploadOverAPI(t *testing.T) {
	env := newEnv(t)
	device, err := registry.Approve(`Pixel`, `android`, `192.168.1.77`)
	require.NoError(t, err)
	key := device.DeviceKey

	data := []byte(`hello chunked upload`)
	target := filepath.Join(env.root, `hello.txt`)
	resp := env.do(`POST`, `/files/upload`, map[string]any{
		`target_path`: target,
		`total_size`:  len(data),
	}, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	id, _ := body[`transfer_id`].(string)
	require.NotEmpty(t, id)

	resp = env.do(`PUT`, fmt.Sprintf(`/files/upload/%s/0`, id), data, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)[`completed`])

	resp = env.do(`GET`, `/files/download/`+target, nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, data, resp.Body.Bytes())
}

func TestUploadPauseOverAPI(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)

	resp := env.do(`POST`, `/files/upload`, map[string]any{
		`target_path`: filepath.Join(env.root, `big.bin`),
		`total_size`:  transfer.DefaultChunkSize * 2,
	}, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	id, _ := decode(t, resp)[`transfer_id`].(string)

	resp = env.do(`POST`, fmt.Sprintf(`/files/upload/%s/pause`, id), nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)

	chunk := make([]byte, transfer.DefaultChunkSize)
	resp = env.do(`PUT`, fmt.Sprintf(`/files/upload/%s/0`, id), chunk, withKey(key))
	require.Equal(t, http.StatusConflict, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, `transfer_paused`, body[`code`])
	assert.Contains(t, body, `written_chunks`)

	resp = env.do(`POST`, fmt.Sprintf(`/files/upload/%s/resume`, id), nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	resp = env.do(`PUT`, fmt.Sprintf(`/files/upload/%s/0`, id), chunk, withKey(key))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRotateKey(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`POST`, `/auth/setup`, map[string]string{`password`: `long enough pass`})
	require.Equal(t, http.StatusOK, resp.Code)
	cookie := sessionCookie(t, resp)

	qr := env.do(`GET`, `/qr-payload`, nil)
	oldKey, _ := decode(t, qr)[`apiKey`].(string)
	require.NotEmpty(t, oldKey)

	resp = env.do(`POST`, `/auth/rotate-key`, nil, withCookie(cookie))
	require.Equal(t, http.StatusOK, resp.Code)
	newKey, _ := decode(t, resp)[`api_key`].(string)
	require.NotEmpty(t, newKey)
	require.NotEqual(t, oldKey, newKey)

	resp = env.do(`GET`, `/devices`, nil, withKey(oldKey))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = env.do(`GET`, `/devices`, nil, withKey(newKey))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestTransferOwnership(t *testing.T) {
	env := newEnv(t)
	owner, err := registry.Approve(`Pixel`, `android`, `192.168.1.77`)
	require.NoError(t, err)
	other, err := registry.Approve(`Tablet`, `android`, `192.168.1.78`)
	require.NoError(t, err)

	data := []byte(`mine, not yours`)
	resp := env.do(`POST`, `/files/upload`, map[string]any{
		`target_path`: filepath.Join(env.root, `mine.txt`),
		`total_size`:  len(data),
	}, withKey(owner.DeviceKey))
	require.Equal(t, http.StatusOK, resp.Code)
	id, _ := decode(t, resp)[`transfer_id`].(string)

	// Another paired device cannot touch the session.
	for _, attempt := range []struct{ method, path string }{
		{`PUT`, fmt.Sprintf(`/files/upload/%s/0`, id)},
		{`GET`, fmt.Sprintf(`/files/upload/%s/status`, id)},
		{`POST`, fmt.Sprintf(`/files/upload/%s/pause`, id)},
		{`POST`, fmt.Sprintf(`/files/upload/%s/resume`, id)},
		{`DELETE`, fmt.Sprintf(`/files/upload/%s`, id)},
	} {
		resp = env.do(attempt.method, attempt.path, data, withKey(other.DeviceKey))
		require.Equal(t, http.StatusForbidden, resp.Code, attempt.path)
	}

	// The server key sees everything; the owner finishes normally.
	key := envServerKey(t, env)
	resp = env.do(`GET`, fmt.Sprintf(`/files/upload/%s/status`, id), nil, withKey(key))
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = env.do(`PUT`, fmt.Sprintf(`/files/upload/%s/0`, id), data, withKey(owner.DeviceKey))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)[`completed`])
}

func TestCapabilityUnavailable(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)
	resp := env.do(`GET`, `/host/clipboard`, nil, withKey(key))
	require.Equal(t, http.StatusNotImplemented, resp.Code)
	assert.Equal(t, `capability_unavailable`, decode(t, resp)[`code`])
}

func TestCleanupEndpoints(t *testing.T) {
	env := newEnv(t)
	key := envServerKey(t, env)

	resp := env.do(`GET`, `/transfers/cleanup/status`, nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(`PATCH`, `/transfers/cleanup/config`, map[string]int{`stale_after_days`: 3}, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 3, decode(t, resp)[`stale_after_days`])

	resp = env.do(`POST`, `/transfers/cleanup/execute`, nil, withKey(key))
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Contains(t, body, `cleaned_uploads`)
	assert.Contains(t, body, `cleaned_downloads`)
}

func TestUnknownRoute(t *testing.T) {
	env := newEnv(t)
	resp := env.do(`GET`, `/nope`, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, `not_found`, decode(t, resp)[`code`])
}
