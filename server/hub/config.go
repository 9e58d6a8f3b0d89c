package hub

import "time"

// Config tunes the WebSocket sessions the hub manages.
type Config struct {
	WriteWait         time.Duration // Timeout for a single write.
	PongWait          time.Duration // Idle timeout; a pong resets it.
	PingPeriod        time.Duration // Interval between pings.
	MaxMessageSize    int64         // Maximum size in bytes of an inbound message.
	MessageBufferSize int           // Outbound envelopes buffered per session before it is dropped.
}

func newConfig() *Config {
	return &Config{
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        (60 * time.Second * 9) / 10,
		MaxMessageSize:    (2 << 15) + 1024,
		MessageBufferSize: 256,
	}
}
