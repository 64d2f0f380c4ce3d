package bridge

import "github.com/gluk-w/shellbridge/internal/protocol"

// Transport is one client connection. Implementations queue outbound frames
// and must not block: the bridge calls Send and SendData while holding a
// session's output lock so that frames keep their order.
type Transport interface {
	ID() string
	Send(msg protocol.Message) error
	SendData(p []byte) error
}
