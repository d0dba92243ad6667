package amqp

import "fmt"

// ProtocolError reports a violation of the wire protocol by the peer:
// a malformed frame, a bad frame-end octet, an unknown field-value tag
// or an unknown class/method pair. Receiving one terminates the
// connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "amqp: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ClientError reports API misuse or a failed handshake step: invalid
// arguments, channel-id collisions, no free channel, or a timeout
// waiting for a peer response.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string {
	return "amqp: " + e.Reason
}

func clientErrorf(format string, args ...interface{}) error {
	return &ClientError{Reason: fmt.Sprintf(format, args...)}
}
