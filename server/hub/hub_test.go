package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/utils"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer exposes the hub over two upgrade paths.
func testServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(`/ws`, func(w http.ResponseWriter, r *http.Request) {
		h.HandleRequest(ClassDevice, r.URL.Query().Get(`owner`), w, r)
	})
	mux.HandleFunc(`/ws/ui`, func(w http.ResponseWriter, r *http.Request) {
		h.HandleRequest(ClassOperator, `operator`, w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *ws.Conn {
	t.Helper()
	url := `ws` + strings.TrimPrefix(srv.URL, `http`) + path
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *ws.Conn) *modules.EventEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env := &modules.EventEnvelope{}
	require.NoError(t, utils.JSON.Unmarshal(data, env))
	return env
}

func waitCounts(t *testing.T, h *Hub, devices, operators int) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, o := h.Counts()
		return d == devices && o == operators
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishOrdering(t *testing.T) {
	h := New()
	srv := testServer(t, h)
	conn := dial(t, srv, `/ws/ui`)
	waitCounts(t, h, 0, 1)

	for i := 0; i < 5; i++ {
		h.Publish(ClassOperator, modules.EventNotification, map[string]any{`seq`: i})
	}
	for i := 0; i < 5; i++ {
		env := readEnvelope(t, conn)
		assert.Equal(t, modules.EventNotification, env.Type)
		payload, ok := env.Payload.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, i, payload[`seq`])
	}
}

func TestDeviceLivenessEvents(t *testing.T) {
	h := New()
	srv := testServer(t, h)
	ui := dial(t, srv, `/ws/ui`)
	waitCounts(t, h, 0, 1)

	device := dial(t, srv, `/ws?owner=dev-1`)
	env := readEnvelope(t, ui)
	assert.Equal(t, modules.EventDeviceConnected, env.Type)
	waitCounts(t, h, 1, 1)
	assert.True(t, h.DeviceOnline(`dev-1`))
	assert.False(t, h.DeviceOnline(`dev-2`))

	device.Close()
	env = readEnvelope(t, ui)
	assert.Equal(t, modules.EventDeviceDisconnected, env.Type)
	waitCounts(t, h, 0, 1)
}

func TestPublishToTargetsOwner(t *testing.T) {
	h := New()
	srv := testServer(t, h)
	a := dial(t, srv, `/ws?owner=dev-a`)
	b := dial(t, srv, `/ws?owner=dev-b`)
	waitCounts(t, h, 2, 0)

	h.PublishTo(ClassDevice, `dev-a`, modules.EventNotification, `only-a`)
	env := readEnvelope(t, a)
	assert.Equal(t, `only-a`, env.Payload)

	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, `dev-b must not receive dev-a's event`)
}

func TestCloseOwner(t *testing.T) {
	h := New()
	srv := testServer(t, h)
	device := dial(t, srv, `/ws?owner=dev-1`)
	waitCounts(t, h, 1, 0)

	h.CloseOwner(ClassDevice, `dev-1`)
	device.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := device.ReadMessage(); err != nil {
			break
		}
	}
	waitCounts(t, h, 0, 0)
}

func TestOnDeviceMessage(t *testing.T) {
	h := New()
	received := make(chan []byte, 1)
	h.OnDeviceMessage = func(s *Session, data []byte) {
		received <- data
	}
	srv := testServer(t, h)
	device := dial(t, srv, `/ws?owner=dev-1`)
	waitCounts(t, h, 1, 0)

	require.NoError(t, device.WriteMessage(ws.TextMessage, []byte(`ping`)))
	select {
	case data := <-received:
		assert.Equal(t, `ping`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal(`device message never reached the hub`)
	}
}

// TestPublishDuringDisconnect hammers Publish while peers connect and
// drop. A publisher must never crash because a session closed under
// it mid-send.
func TestPublishDuringDisconnect(t *testing.T) {
	h := New()
	srv := testServer(t, h)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish(ClassDevice, modules.EventNotification, `tick`)
			}
		}
	}()

	for i := 0; i < 25; i++ {
		conn := dial(t, srv, `/ws?owner=dev-churn`)
		waitCounts(t, h, 1, 0)
		conn.Close()
		waitCounts(t, h, 0, 0)
	}
	close(stop)
	wg.Wait()
}

func TestShutdownClosesAll(t *testing.T) {
	h := New()
	srv := testServer(t, h)
	dial(t, srv, `/ws?owner=dev-1`)
	dial(t, srv, `/ws/ui`)
	waitCounts(t, h, 1, 1)

	h.Shutdown()
	waitCounts(t, h, 0, 0)
}
