package amqp

import (
	"sync"
	"time"
)

// State is the lifecycle position of a connection or channel. Each
// state is visited at most once per lifetime, in order; abrupt teardown
// may jump straight to StateClosed.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// CloseReason records why a connection or channel was closed, either by
// this side or the peer.
type CloseReason struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// handlerKey selects a handler by frame type, or by (class, method) for
// method frames.
type handlerKey struct {
	frameType uint8
	classID   uint16
	methodID  uint16
}

func methodHandlerKey(classID, methodID uint16) handlerKey {
	return handlerKey{frameType: FrameMethod, classID: classID, methodID: methodID}
}

func frameHandlerKey(frameType uint8) handlerKey {
	return handlerKey{frameType: frameType}
}

// Handler consumes a frame dispatched to a channel. For method frames m
// carries the parsed payload; for other frame types m is nil.
type Handler func(ch *Channel, f Frame, m *MethodFrame)

// receive queue depth per channel.
const recvQueueDepth = 16

// Channel is a logical bidirectional stream multiplexed over one
// connection, identified by a 16-bit id. Channel 0 carries connection
// control methods and is never closed independently of the connection.
type Channel struct {
	id   uint16
	conn *Connection

	mu       sync.Mutex
	state    State
	flow     bool
	handlers map[handlerKey]Handler
	reason   *CloseReason

	recvQ  chan Frame
	opened chan struct{}
	closed chan struct{}

	closeOk chan struct{} // signaled when the peer acknowledges our close
}

func newChannel(conn *Connection, id uint16) *Channel {
	return &Channel{
		id:       id,
		conn:     conn,
		state:    StateOpening,
		flow:     true,
		handlers: make(map[handlerKey]Handler),
		recvQ:    make(chan Frame, recvQueueDepth),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
		closeOk:  make(chan struct{}, 1),
	}
}

// ID returns the channel id.
func (ch *Channel) ID() uint16 { return ch.id }

// State returns the current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Flow reports whether the peer allows content to flow on this channel.
func (ch *Channel) Flow() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.flow
}

// CloseReason returns the recorded close reason, or nil when the
// channel closed without one.
func (ch *Channel) CloseReason() *CloseReason {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// SetMethodHandler installs h for (classID, methodID) method frames.
// A nil handler removes the entry.
func (ch *Channel) SetMethodHandler(classID, methodID uint16, h Handler) {
	ch.setHandler(methodHandlerKey(classID, methodID), h)
}

// SetFrameHandler installs h for non-method frames of the given type.
// A nil handler removes the entry.
func (ch *Channel) SetFrameHandler(frameType uint8, h Handler) {
	ch.setHandler(frameHandlerKey(frameType), h)
}

func (ch *Channel) setHandler(key handlerKey, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if h == nil {
		delete(ch.handlers, key)
		return
	}
	ch.handlers[key] = h
}

func (ch *Channel) handler(key handlerKey) Handler {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.handlers[key]
}

// SendMethod encodes fields per the catalog and enqueues a method frame
// on this channel.
func (ch *Channel) SendMethod(classID, methodID uint16, fields map[string]interface{}) error {
	mf := &MethodFrame{Channel: ch.id, ClassID: classID, MethodID: methodID, Fields: fields}
	f, err := mf.Frame()
	if err != nil {
		return err
	}
	return ch.conn.enqueue(f)
}

// call sends a request method and waits for the catalog's response
// method, returning its parsed frame. The response handler is installed
// one-shot before the send.
func (ch *Channel) call(classID, methodID uint16, fields map[string]interface{}) (*MethodFrame, error) {
	respID, ok := responseID(classID, methodID)
	if !ok {
		return nil, clientErrorf("method %d:%d has no response to wait for", classID, methodID)
	}
	replyCh := make(chan *MethodFrame, 1)
	ch.SetMethodHandler(classID, respID, func(ch *Channel, f Frame, m *MethodFrame) {
		ch.SetMethodHandler(classID, respID, nil)
		replyCh <- m
	})
	if err := ch.SendMethod(classID, methodID, fields); err != nil {
		ch.SetMethodHandler(classID, respID, nil)
		return nil, err
	}
	select {
	case m := <-replyCh:
		return m, nil
	case <-ch.closed:
		return nil, clientErrorf("channel %d closed while waiting for method %d:%d reply", ch.id, classID, respID)
	case <-time.After(ch.conn.cfg.ConnectTimeout):
		ch.SetMethodHandler(classID, respID, nil)
		return nil, clientErrorf("timeout waiting for method %d:%d reply on channel %d", classID, respID, ch.id)
	}
}

// receiveLoop drains the receive queue and dispatches each frame
// through the handler table until the channel closes.
func (ch *Channel) receiveLoop() {
	for {
		select {
		case f := <-ch.recvQ:
			ch.dispatch(f)
		case <-ch.closed:
			return
		}
	}
}

// dispatch routes one frame. A panicking handler tears down the owner
// as if the peer had failed it.
func (ch *Channel) dispatch(f Frame) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Uint16("chan", ch.id).Interface("panic", r).Msg("handler panic")
			ch.close(false, true, replyInternalError, "INTERNAL_ERROR", 0, 0)
		}
	}()
	switch f.Type {
	case FrameMethod:
		m, err := ParseMethodFrame(f)
		if err != nil {
			logger.Error().Uint16("chan", ch.id).Err(err).Msg("malformed method frame")
			ch.conn.close(false, false, replyFrameError, "FRAME_ERROR", 0, 0)
			return
		}
		if h := ch.handler(methodHandlerKey(m.ClassID, m.MethodID)); h != nil {
			h(ch, f, m)
			return
		}
		ch.unexpected(f, m)
	default:
		if h := ch.handler(frameHandlerKey(f.Type)); h != nil {
			h(ch, f, nil)
			return
		}
		ch.unexpected(f, nil)
	}
}

// unexpected logs and drops a frame that no handler claims.
func (ch *Channel) unexpected(f Frame, m *MethodFrame) {
	ev := logger.Debug().Uint16("chan", ch.id).Uint8("type", f.Type)
	if m != nil {
		ev = ev.Uint16("class", m.ClassID).Uint16("method", m.MethodID)
	}
	ev.Msg("dropping unexpected frame")
}

// open drives the channel.open handshake for a non-default channel:
// install the open-ok handler, send channel.open and wait for the state
// transition.
func (ch *Channel) open() error {
	ch.SetMethodHandler(ClassChannel, MethodChannelOpenOk, func(ch *Channel, f Frame, m *MethodFrame) {
		ch.SetMethodHandler(ClassChannel, MethodChannelOpenOk, nil)
		ch.markOpen()
	})
	go ch.receiveLoop()
	if err := ch.SendMethod(ClassChannel, MethodChannelOpen, nil); err != nil {
		ch.teardown()
		return err
	}
	select {
	case <-ch.opened:
		return nil
	case <-ch.closed:
		return clientErrorf("channel %d closed during open", ch.id)
	case <-time.After(ch.conn.cfg.ConnectTimeout):
		ch.teardown()
		return clientErrorf("timeout waiting for channel %d open-ok", ch.id)
	}
}

// markOpen transitions to StateOpen and installs the steady-state
// handlers for flow control and close.
func (ch *Channel) markOpen() {
	ch.mu.Lock()
	if ch.state != StateOpening {
		ch.mu.Unlock()
		return
	}
	ch.state = StateOpen
	close(ch.opened)
	ch.mu.Unlock()

	ch.SetMethodHandler(ClassChannel, MethodChannelFlow, onChannelFlow)
	ch.SetMethodHandler(ClassChannel, MethodChannelFlowOk, onChannelFlowOk)
	ch.SetMethodHandler(ClassChannel, MethodChannelClose, onChannelClose)
	ch.SetMethodHandler(ClassChannel, MethodChannelCloseOk, onChannelCloseOk)
}

func onChannelFlow(ch *Channel, f Frame, m *MethodFrame) {
	active, _ := m.Fields["active"].(bool)
	ch.mu.Lock()
	ch.flow = active
	ch.mu.Unlock()
	if err := ch.SendMethod(ClassChannel, MethodChannelFlowOk, map[string]interface{}{"active": active}); err != nil {
		logger.Error().Uint16("chan", ch.id).Err(err).Msg("write channel.flow-ok error")
	}
}

func onChannelFlowOk(ch *Channel, f Frame, m *MethodFrame) {
	active, _ := m.Fields["active"].(bool)
	ch.mu.Lock()
	ch.flow = active
	ch.mu.Unlock()
}

// onChannelClose handles a peer-initiated channel close: record the
// reason, acknowledge, tear down locally. Other channels stay usable.
func onChannelClose(ch *Channel, f Frame, m *MethodFrame) {
	code, _ := m.Fields["reply-code"].(uint16)
	text, _ := m.Fields["reply-text"].(string)
	classID, _ := m.Fields["class-id"].(uint16)
	methodID, _ := m.Fields["method-id"].(uint16)
	ch.setReason(&CloseReason{ReplyCode: code, ReplyText: text, ClassID: classID, MethodID: methodID})
	if err := ch.SendMethod(ClassChannel, MethodChannelCloseOk, nil); err != nil {
		logger.Error().Uint16("chan", ch.id).Err(err).Msg("write channel.close-ok error")
	}
	ch.close(false, true, code, text, classID, methodID)
}

func onChannelCloseOk(ch *Channel, f Frame, m *MethodFrame) {
	select {
	case ch.closeOk <- struct{}{}:
	default:
	}
}

func (ch *Channel) setReason(r *CloseReason) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.reason == nil {
		ch.reason = r
	}
}

// Close performs a cooperative close handshake with the peer. Closing
// channel 0 closes the whole connection.
func (ch *Channel) Close() error {
	return ch.close(true, false, replySuccess, "", 0, 0)
}

func (ch *Channel) close(handshake, byPeer bool, code uint16, text string, classID, methodID uint16) error {
	if ch.id == 0 {
		return ch.conn.close(handshake, byPeer, code, text, classID, methodID)
	}
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return nil
	}
	inHandshake := ch.state == StateClosing
	if !inHandshake {
		ch.state = StateClosing
	}
	ch.mu.Unlock()
	if inHandshake {
		return nil
	}

	if handshake && !byPeer {
		err := ch.SendMethod(ClassChannel, MethodChannelClose, map[string]interface{}{
			"reply-code": code,
			"reply-text": text,
			"class-id":   classID,
			"method-id":  methodID,
		})
		if err == nil {
			select {
			case <-ch.closeOk:
			case <-time.After(ch.conn.cfg.ConnectTimeout):
				logger.Debug().Uint16("chan", ch.id).Msg("timeout waiting for channel.close-ok")
			}
		}
	}
	ch.teardown()
	return nil
}

// teardown closes the receive queue, clears the handler table, removes
// the channel from the connection map and transitions to StateClosed.
func (ch *Channel) teardown() {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = StateClosed
	ch.handlers = make(map[handlerKey]Handler)
	close(ch.closed)
	ch.mu.Unlock()
	ch.conn.removeChannel(ch.id)
}
