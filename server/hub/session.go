package hub

import (
	"errors"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

var errBufferFull = errors.New(`session message buffer is full`)

// Session wraps one subscriber WebSocket connection. Owner is the
// device id for ClassDevice sessions or the operator session token id
// for ClassOperator; UUID identifies the individual connection.
type Session struct {
	Request *http.Request
	Keys    map[string]any
	UUID    string
	Owner   string

	class   Class
	conn    *ws.Conn
	output  chan *envelope
	hub     *Hub
	open    bool
	rwmutex sync.RWMutex
}

// writeMessage enqueues without blocking the publisher. A full buffer
// marks the subscriber as a slow consumer and the hub drops it. The
// read lock pins the session open for the duration of the send; close
// takes the write lock, so the output channel can never close under a
// publisher mid-send.
func (s *Session) writeMessage(message *envelope) error {
	s.rwmutex.RLock()
	defer s.rwmutex.RUnlock()
	if !s.open {
		return errors.New(`tried to write to a closed session`)
	}
	select {
	case s.output <- message:
		return nil
	default:
		return errBufferFull
	}
}

func (s *Session) writeRaw(message *envelope) error {
	if s.closed() {
		return errors.New(`tried to write to a closed session`)
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteWait))
	return s.conn.WriteMessage(message.t, message.msg)
}

func (s *Session) closed() bool {
	s.rwmutex.RLock()
	defer s.rwmutex.RUnlock()
	return !s.open
}

func (s *Session) close() {
	s.rwmutex.Lock()
	if s.open {
		s.open = false
		s.conn.Close()
		close(s.output)
	}
	s.rwmutex.Unlock()
}

func (s *Session) ping() {
	s.writeRaw(&envelope{t: ws.PingMessage, msg: []byte{}})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.config.PingPeriod)
	defer ticker.Stop()
loop:
	for {
		select {
		case msg, ok := <-s.output:
			if !ok {
				break loop
			}
			if err := s.writeRaw(msg); err != nil {
				break loop
			}
			if msg.t == ws.CloseMessage {
				break loop
			}
		case <-ticker.C:
			s.ping()
		}
	}
}

func (s *Session) readPump(onMessage func(*Session, []byte)) {
	s.conn.SetReadLimit(s.hub.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.config.PongWait))
		return nil
	})
	for {
		t, message, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if t == ws.TextMessage && onMessage != nil {
			onMessage(s, message)
		}
	}
}

// Write queues a text frame for this session only.
func (s *Session) Write(msg []byte) error {
	return s.writeMessage(&envelope{t: ws.TextMessage, msg: msg})
}

// Close queues a close frame; the write pump exits after sending it.
func (s *Session) Close() error {
	if s.closed() {
		return errors.New(`session is already closed`)
	}
	return s.writeMessage(&envelope{t: ws.CloseMessage, msg: []byte{}})
}

// CloseWithMsg closes with the provided close payload, bypassing the
// output buffer so it works on a slow consumer too.
func (s *Session) CloseWithMsg(msg []byte) {
	s.writeRaw(&envelope{t: ws.CloseMessage, msg: msg})
	s.close()
}

// Set stores a session-scoped key/value pair.
func (s *Session) Set(key string, value any) {
	if s.Keys == nil {
		s.Keys = make(map[string]any)
	}
	s.Keys[key] = value
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	if s.Keys == nil {
		return nil, false
	}
	value, exists := s.Keys[key]
	return value, exists
}

// IsClosed reports the connection state.
func (s *Session) IsClosed() bool {
	return s.closed()
}
