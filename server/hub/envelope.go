package hub

// envelope is the queued unit handed to a session's write pump. t is
// the gorilla message type; msg the marshalled EventEnvelope or
// control payload.
type envelope struct {
	t   int
	msg []byte
}
