// Package hub is the fan-out point for event envelopes. Two subscriber
// classes are tracked separately: paired devices on /ws and operator
// browser sessions on /ws/ui. Publishing never blocks the caller
// beyond the per-subscriber enqueue attempt; a subscriber whose buffer
// overflows is dropped as a slow consumer.
package hub

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/BYTEDz/PCLink/utils/cmap"
	ws "github.com/gorilla/websocket"
)

// Class selects a subscriber set.
type Class int

const (
	ClassDevice Class = iota
	ClassOperator
)

type Hub struct {
	config    *Config
	devices   cmap.ConcurrentMap[*Session]
	operators cmap.ConcurrentMap[*Session]
	upgrader  *ws.Upgrader

	// OnDeviceMessage receives text frames from device sessions.
	OnDeviceMessage func(*Session, []byte)
}

func New() *Hub {
	return &Hub{
		config:    newConfig(),
		devices:   cmap.New[*Session](),
		operators: cmap.New[*Session](),
		upgrader: &ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) sessions(class Class) cmap.ConcurrentMap[*Session] {
	if class == ClassDevice {
		return h.devices
	}
	return h.operators
}

// HandleRequest upgrades the request and runs the session until the
// peer goes away. For device sessions the hub emits the liveness pair
// device_connected/device_disconnected to operator subscribers; device
// WebSockets are the authoritative presence signal.
func (h *Hub) HandleRequest(class Class, owner string, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	session := &Session{
		Request: r,
		UUID:    utils.GetStrUUID(),
		Owner:   owner,
		class:   class,
		conn:    conn,
		output:  make(chan *envelope, h.config.MessageBufferSize),
		hub:     h,
		open:    true,
	}
	h.sessions(class).Set(session.UUID, session)
	if class == ClassDevice {
		h.Publish(ClassOperator, modules.EventDeviceConnected, map[string]any{`device_id`: owner})
	}

	go session.writePump()
	if class == ClassDevice {
		session.readPump(h.OnDeviceMessage)
	} else {
		session.readPump(nil)
	}

	h.sessions(class).Remove(session.UUID)
	session.close()
	if class == ClassDevice {
		h.Publish(ClassOperator, modules.EventDeviceDisconnected, map[string]any{`device_id`: owner})
	}
	return nil
}

// Publish marshals one envelope and enqueues it to every subscriber of
// the class. Delivery per subscriber is FIFO; there is no cross
// subscriber ordering. Slow consumers are dropped, never waited on.
func (h *Hub) Publish(class Class, eventType string, payload any) {
	env := modules.EventEnvelope{
		Type:       eventType,
		Payload:    payload,
		ServerTime: utils.Unix,
	}
	data, err := utils.JSON.Marshal(&env)
	if err != nil {
		return
	}
	msg := &envelope{t: ws.TextMessage, msg: data}
	var dropped []*Session
	h.sessions(class).IterCb(func(uuid string, s *Session) bool {
		if err := s.writeMessage(msg); err == errBufferFull {
			dropped = append(dropped, s)
		}
		return true
	})
	for _, s := range dropped {
		h.drop(s, `slow_consumer`)
	}
}

// PublishTo targets the sessions of a single owner within a class.
func (h *Hub) PublishTo(class Class, owner, eventType string, payload any) {
	env := modules.EventEnvelope{
		Type:       eventType,
		Payload:    payload,
		ServerTime: utils.Unix,
	}
	data, err := utils.JSON.Marshal(&env)
	if err != nil {
		return
	}
	msg := &envelope{t: ws.TextMessage, msg: data}
	var dropped []*Session
	h.sessions(class).IterCb(func(uuid string, s *Session) bool {
		if s.Owner == owner {
			if err := s.writeMessage(msg); err == errBufferFull {
				dropped = append(dropped, s)
			}
		}
		return true
	})
	for _, s := range dropped {
		h.drop(s, `slow_consumer`)
	}
}

func (h *Hub) drop(s *Session, reason string) {
	h.sessions(s.class).Remove(s.UUID)
	common.Warn(nil, `WS_DROP`, reason, ``, map[string]any{
		`owner`: s.Owner,
		`conn`:  s.UUID,
	})
	s.CloseWithMsg(ws.FormatCloseMessage(ws.ClosePolicyViolation, reason))
	if s.class == ClassDevice {
		h.Publish(ClassOperator, modules.EventDeviceDisconnected, map[string]any{`device_id`: s.Owner})
	}
}

// DeviceOnline reports whether any device session exists for the id.
func (h *Hub) DeviceOnline(deviceID string) bool {
	online := false
	h.devices.IterCb(func(uuid string, s *Session) bool {
		if s.Owner == deviceID && !s.closed() {
			online = true
			return false
		}
		return true
	})
	return online
}

// CloseOwner force-closes every session belonging to owner in class,
// used when a device is revoked.
func (h *Hub) CloseOwner(class Class, owner string) {
	var doomed []*Session
	h.sessions(class).IterCb(func(uuid string, s *Session) bool {
		if s.Owner == owner {
			doomed = append(doomed, s)
		}
		return true
	})
	for _, s := range doomed {
		h.sessions(class).Remove(s.UUID)
		s.CloseWithMsg(ws.FormatCloseMessage(ws.CloseNormalClosure, `revoked`))
	}
}

// Counts returns the number of live device and operator sessions.
func (h *Hub) Counts() (devices, operators int) {
	return h.devices.Count(), h.operators.Count()
}

// Shutdown closes every session in both classes.
func (h *Hub) Shutdown() {
	for _, class := range []Class{ClassDevice, ClassOperator} {
		sessions := h.sessions(class)
		sessions.IterCb(func(uuid string, s *Session) bool {
			s.CloseWithMsg(ws.FormatCloseMessage(ws.CloseGoingAway, `server stopping`))
			return true
		})
		sessions.Clear()
	}
}
