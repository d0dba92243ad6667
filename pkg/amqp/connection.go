package amqp

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// reply codes used on the close paths.
const (
	replySuccess       = 200
	replyConnForced    = 320
	replyFrameError    = 501
	replyResourceError = 506
	replyInternalError = 541
)

// outbound queue depth shared by all channels.
const sendQueueDepth = 64

// Connection owns the socket, the send queue, the channel table and the
// negotiated parameters. All outbound frames funnel through the single
// sender task, so enqueue order is wire order.
type Connection struct {
	cfg  Config
	conn net.Conn

	mu       sync.Mutex
	state    State
	channels map[uint16]*Channel
	reason   *CloseReason
	sendQ    chan Frame
	hbStop   chan struct{}

	serverProperties map[string]interface{}
	capabilities     map[string]interface{}
	blocked          bool

	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration

	opened  chan struct{}
	closed  chan struct{}
	closeOk chan struct{}

	lastSent atomic.Int64 // unix nanos of the last outbound write
	lastRecv atomic.Int64 // unix nanos of the last inbound frame
}

// Dial connects over TCP using the config's address and drives the open
// handshake.
func Dial(cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	conn, err := net.DialTimeout("tcp", cfg.Addr(), cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	c, err := Open(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Open drives the AMQP handshake over an established transport. This
// allows callers to supply a TLS connection or an in-memory pipe.
func Open(conn net.Conn, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	mechanism := cfg.AuthParams[ParamMechanism]
	if _, ok := lookupAuthProvider(mechanism); !ok {
		return nil, clientErrorf("no auth provider registered for mechanism %q", mechanism)
	}

	c := &Connection{
		cfg:      cfg,
		conn:     conn,
		state:    StateOpening,
		channels: make(map[uint16]*Channel),
		sendQ:    make(chan Frame, sendQueueDepth),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
		closeOk:  make(chan struct{}, 1),
	}
	now := time.Now().UnixNano()
	c.lastSent.Store(now)
	c.lastRecv.Store(now)

	ch0 := newChannel(c, 0)
	c.channels[0] = ch0
	c.installHandshake(ch0)

	if _, err := conn.Write(protocolHeader); err != nil {
		c.teardown()
		return nil, err
	}
	go c.senderLoop(c.sendQ)
	go c.receiverLoop()
	go ch0.receiveLoop()

	select {
	case <-c.opened:
		return c, nil
	case <-c.closed:
		reason := c.CloseReason()
		if reason != nil {
			return nil, clientErrorf("handshake failed: %d %s", reason.ReplyCode, reason.ReplyText)
		}
		return nil, clientErrorf("connection closed during handshake")
	case <-time.After(cfg.ConnectTimeout):
		c.close(false, false, replyConnForced, "handshake timeout", 0, 0)
		return nil, clientErrorf("timeout waiting for connection handshake")
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason returns the recorded close reason, or nil.
func (c *Connection) CloseReason() *CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ChannelMax returns the negotiated channel-max.
func (c *Connection) ChannelMax() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelMax
}

// FrameMax returns the negotiated frame-max, zero meaning unlimited.
func (c *Connection) FrameMax() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameMax
}

// HeartbeatInterval returns the negotiated heartbeat interval, zero
// meaning heartbeats are disabled.
func (c *Connection) HeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// ServerProperties returns the property table announced by the server
// in connection.start.
func (c *Connection) ServerProperties() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverProperties
}

// Blocked reports whether the server has announced connection.blocked.
func (c *Connection) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// enqueue places a frame on the send queue. It is the sole path to the
// socket write side.
func (c *Connection) enqueue(f Frame) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return clientErrorf("connection is closed")
	}
	q := c.sendQ
	c.mu.Unlock()
	select {
	case q <- f:
		return nil
	case <-c.closed:
		return clientErrorf("connection is closed")
	}
}

// senderLoop drains the send queue onto the socket, one frame at a
// time, stamping the outbound heartbeat timestamp.
func (c *Connection) senderLoop(q chan Frame) {
	for {
		select {
		case <-c.closed:
			return
		case f := <-q:
			if err := WriteFrame(c.conn, f); err != nil {
				if c.State() == StateClosed {
					return
				}
				logger.Error().Err(err).Msg("socket write error")
				c.close(false, false, replyConnForced, "write error", 0, 0)
				return
			}
			c.lastSent.Store(time.Now().UnixNano())
		}
	}
}

// receiverLoop reads frames off the socket, stamps the inbound
// timestamp and demuxes to the owning channel's receive queue. Frames
// for unknown channels are dropped with a log.
func (c *Connection) receiverLoop() {
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			st := c.State()
			if st == StateClosed || st == StateClosing {
				return
			}
			logger.Error().Err(err).Msg("socket read error")
			c.close(false, false, replyFrameError, "read error", 0, 0)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		c.mu.Lock()
		ch, ok := c.channels[f.Channel]
		c.mu.Unlock()
		if !ok {
			logger.Debug().Uint16("chan", f.Channel).Uint8("type", f.Type).Msg("dropping frame for unknown channel")
			continue
		}
		select {
		case ch.recvQ <- f:
		case <-ch.closed:
		case <-c.closed:
			return
		}
	}
}

// heartbeatLoop emits a heartbeat after one idle interval on the send
// side and tears the connection down after two silent intervals on the
// receive side. Timestamp reads tolerate interval-sized slack.
func (c *Connection) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case now := <-ticker.C:
			if now.UnixNano()-c.lastRecv.Load() >= int64(2*interval) {
				logger.Error().Dur("interval", interval).Msg("no heartbeat from server, closing connection")
				c.close(false, false, replyConnForced, "heartbeat timeout", 0, 0)
				return
			}
			if now.UnixNano()-c.lastSent.Load() >= int64(interval) {
				hb := (&HeartbeatFrame{}).Frame()
				if err := c.enqueue(hb); err != nil {
					return
				}
			}
		}
	}
}

// installHandshake wires the channel-0 handlers that drive the open
// sequence: start → start-ok, tune → tune-ok + open, open-ok.
func (c *Connection) installHandshake(ch0 *Channel) {
	ch0.SetMethodHandler(ClassConnection, MethodConnectionStart, c.onStart)
	ch0.SetMethodHandler(ClassConnection, MethodConnectionTune, c.onTune)
	ch0.SetMethodHandler(ClassConnection, MethodConnectionOpenOk, c.onOpenOk)
	// heartbeats refresh the inbound timestamp in the receiver; nothing
	// further to do here
	ch0.SetFrameHandler(FrameHeartbeat, func(*Channel, Frame, *MethodFrame) {})
}

// onStart merges the server's properties, verifies the configured
// mechanism is advertised, picks a locale and answers start-ok.
func (c *Connection) onStart(ch *Channel, f Frame, m *MethodFrame) {
	props, _ := m.Fields["server-properties"].(map[string]interface{})
	mechanisms, _ := m.Fields["mechanisms"].([]byte)
	locales, _ := m.Fields["locales"].([]byte)

	c.mu.Lock()
	c.serverProperties = props
	if caps, ok := props["capabilities"].(map[string]interface{}); ok {
		c.capabilities = caps
	}
	c.mu.Unlock()

	mechanism := c.cfg.AuthParams[ParamMechanism]
	if !containsToken(string(mechanisms), mechanism) {
		logger.Error().Str("mechanism", mechanism).Str("advertised", string(mechanisms)).Msg("auth mechanism not offered by server")
		c.close(false, false, replyResourceError, "auth mechanism not available", ClassConnection, MethodConnectionStart)
		return
	}
	locale := pickLocale(string(locales), c.cfg.Locales)

	provider, _ := lookupAuthProvider(mechanism)
	response := provider(c.cfg.AuthParams)

	err := ch.SendMethod(ClassConnection, MethodConnectionStartOk, map[string]interface{}{
		"client-properties": c.clientProperties(),
		"mechanism":         mechanism,
		"response":          response,
		"locale":            locale,
	})
	if err != nil {
		logger.Error().Err(err).Msg("write connection.start-ok error")
	}
}

// onTune records the server maxima, answers tune-ok with the negotiated
// values, starts the heartbeater and requests connection.open.
func (c *Connection) onTune(ch *Channel, f Frame, m *MethodFrame) {
	serverChannelMax, _ := m.Fields["channel-max"].(uint16)
	serverFrameMax, _ := m.Fields["frame-max"].(uint32)
	serverHeartbeat, _ := m.Fields["heartbeat"].(uint16)

	channelMax := negotiateShort(serverChannelMax, c.cfg.ChannelMax)
	frameMax := negotiateLong(serverFrameMax, c.cfg.FrameMax)
	heartbeat := negotiateShort(serverHeartbeat, c.cfg.Heartbeat)

	hbStop := make(chan struct{})
	c.mu.Lock()
	c.channelMax = channelMax
	c.frameMax = frameMax
	c.heartbeat = time.Duration(heartbeat) * time.Second
	if c.hbStop != nil {
		close(c.hbStop)
	}
	c.hbStop = hbStop
	c.mu.Unlock()

	err := ch.SendMethod(ClassConnection, MethodConnectionTuneOk, map[string]interface{}{
		"channel-max": channelMax,
		"frame-max":   frameMax,
		"heartbeat":   heartbeat,
	})
	if err != nil {
		logger.Error().Err(err).Msg("write connection.tune-ok error")
		return
	}
	if heartbeat > 0 {
		go c.heartbeatLoop(time.Duration(heartbeat)*time.Second, hbStop)
	}
	err = ch.SendMethod(ClassConnection, MethodConnectionOpen, map[string]interface{}{
		"virtual-host": c.cfg.VirtualHost,
	})
	if err != nil {
		logger.Error().Err(err).Msg("write connection.open error")
	}
}

// onOpenOk completes the handshake: connection and channel 0 go Open
// and the steady-state close handlers are installed.
func (c *Connection) onOpenOk(ch *Channel, f Frame, m *MethodFrame) {
	ch.SetMethodHandler(ClassConnection, MethodConnectionOpenOk, nil)
	ch.SetMethodHandler(ClassConnection, MethodConnectionClose, c.onPeerClose)
	ch.SetMethodHandler(ClassConnection, MethodConnectionCloseOk, c.onCloseOk)
	ch.SetMethodHandler(ClassConnection, MethodConnectionBlocked, c.onBlocked)
	ch.SetMethodHandler(ClassConnection, MethodConnectionUnblocked, c.onUnblocked)

	ch.mu.Lock()
	if ch.state == StateOpening {
		ch.state = StateOpen
		close(ch.opened)
	}
	ch.mu.Unlock()

	c.mu.Lock()
	if c.state == StateOpening {
		c.state = StateOpen
		close(c.opened)
	}
	c.mu.Unlock()
	logger.Debug().Str("vhost", c.cfg.VirtualHost).Msg("connection open")
}

// onPeerClose handles a server-initiated connection close: record the
// reason, acknowledge, give the queued close-ok time to drain, then
// tear down.
func (c *Connection) onPeerClose(ch *Channel, f Frame, m *MethodFrame) {
	code, _ := m.Fields["reply-code"].(uint16)
	text, _ := m.Fields["reply-text"].(string)
	classID, _ := m.Fields["class-id"].(uint16)
	methodID, _ := m.Fields["method-id"].(uint16)
	c.setReason(&CloseReason{ReplyCode: code, ReplyText: text, ClassID: classID, MethodID: methodID})
	logger.Debug().Uint16("reply_code", code).Str("reply_text", text).Msg("recv connection.close")
	if err := ch.SendMethod(ClassConnection, MethodConnectionCloseOk, nil); err != nil {
		logger.Error().Err(err).Msg("write connection.close-ok error")
	}
	c.drainSend(5 * time.Second)
	c.close(false, true, code, text, classID, methodID)
}

func (c *Connection) onCloseOk(ch *Channel, f Frame, m *MethodFrame) {
	select {
	case c.closeOk <- struct{}{}:
	default:
	}
}

func (c *Connection) onBlocked(ch *Channel, f Frame, m *MethodFrame) {
	reason, _ := m.Fields["reason"].(string)
	logger.Debug().Str("reason", reason).Msg("recv connection.blocked")
	c.mu.Lock()
	c.blocked = true
	c.mu.Unlock()
}

func (c *Connection) onUnblocked(ch *Channel, f Frame, m *MethodFrame) {
	c.mu.Lock()
	c.blocked = false
	c.mu.Unlock()
}

// clientProperties builds the start-ok property table, echoing the
// capabilities the server announced.
func (c *Connection) clientProperties() map[string]interface{} {
	caps := map[string]interface{}{}
	c.mu.Lock()
	for _, name := range []string{"consumer_cancel_notify", "connection.blocked"} {
		if v, ok := c.capabilities[name].(bool); ok && v {
			caps[name] = true
		}
	}
	c.mu.Unlock()
	props := map[string]interface{}{
		"product":      "amqp-client-go",
		"platform":     "golang",
		"version":      "1.0",
		"capabilities": caps,
	}
	for k, v := range c.cfg.Properties {
		props[k] = v
	}
	return props
}

// Channel opens a new channel on the first unused id in
// [1..channel-max].
func (c *Connection) Channel() (*Channel, error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, clientErrorf("connection is %s", c.state)
	}
	var id uint16
	for i := 1; i <= int(c.channelMax); i++ {
		if _, used := c.channels[uint16(i)]; !used {
			id = uint16(i)
			break
		}
	}
	if id == 0 {
		c.mu.Unlock()
		return nil, clientErrorf("no free channel id under channel-max %d", c.channelMax)
	}
	return c.openChannelLocked(id)
}

// OpenChannel opens a channel with an explicit id.
func (c *Connection) OpenChannel(id uint16) (*Channel, error) {
	if id == 0 {
		return nil, clientErrorf("channel 0 is reserved for connection control")
	}
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, clientErrorf("connection is %s", c.state)
	}
	if id > c.channelMax {
		c.mu.Unlock()
		return nil, clientErrorf("channel id %d exceeds channel-max %d", id, c.channelMax)
	}
	if _, used := c.channels[id]; used {
		c.mu.Unlock()
		return nil, clientErrorf("channel id %d already in use", id)
	}
	return c.openChannelLocked(id)
}

// openChannelLocked inserts the new channel and drives its open
// handshake. The caller holds c.mu; it is released here.
func (c *Connection) openChannelLocked(id uint16) (*Channel, error) {
	ch := newChannel(c, id)
	c.channels[id] = ch
	c.mu.Unlock()
	if err := ch.open(); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Connection) removeChannel(id uint16) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close performs the cooperative close handshake and releases the
// socket.
func (c *Connection) Close() error {
	return c.close(true, false, replySuccess, "", 0, 0)
}

// close implements every termination path. First invocation transitions
// to Closing and closes all non-zero channels; the handshake branch
// exchanges connection.close/close-ok before the socket is released.
func (c *Connection) close(handshake, byPeer bool, code uint16, text string, classID, methodID uint16) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	first := c.state != StateClosing
	if first {
		c.state = StateClosing
	}
	open := make([]*Channel, 0, len(c.channels))
	for id, ch := range c.channels {
		if id != 0 {
			open = append(open, ch)
		}
	}
	c.mu.Unlock()

	if !first {
		return nil
	}
	if code != replySuccess {
		c.setReason(&CloseReason{ReplyCode: code, ReplyText: text, ClassID: classID, MethodID: methodID})
	}
	for _, ch := range open {
		ch.close(false, byPeer, code, text, classID, methodID)
	}
	if handshake && !byPeer {
		err := c.sendMethod0(MethodConnectionClose, map[string]interface{}{
			"reply-code": code,
			"reply-text": text,
			"class-id":   classID,
			"method-id":  methodID,
		})
		if err == nil {
			select {
			case <-c.closeOk:
			case <-time.After(c.cfg.ConnectTimeout):
				logger.Debug().Msg("timeout waiting for connection.close-ok")
			}
		}
	}
	c.teardown()
	return nil
}

// sendMethod0 enqueues a method frame on channel 0.
func (c *Connection) sendMethod0(methodID uint16, fields map[string]interface{}) error {
	mf := &MethodFrame{Channel: 0, ClassID: ClassConnection, MethodID: methodID, Fields: fields}
	f, err := mf.Frame()
	if err != nil {
		return err
	}
	return c.enqueue(f)
}

// drainSend yields until the send queue is empty or the deadline
// passes, giving queued frames a chance to reach the wire.
func (c *Connection) drainSend(limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.sendQ)
		c.mu.Unlock()
		if n == 0 {
			// one extra beat for the frame the sender already popped
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// teardown hard-closes the socket, resets the negotiated parameters,
// replaces the send queue and transitions to StateClosed. Safe to call
// from any task.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.channelMax = 0
	c.frameMax = 0
	c.heartbeat = 0
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	// abandon the old queue: the sender exits on the closed signal and
	// producers re-check state before enqueueing
	c.sendQ = make(chan Frame, sendQueueDepth)
	ch0 := c.channels[0]
	close(c.closed)
	c.mu.Unlock()

	if ch0 != nil {
		ch0.mu.Lock()
		if ch0.state != StateClosed {
			ch0.state = StateClosed
			ch0.handlers = make(map[handlerKey]Handler)
			close(ch0.closed)
		}
		ch0.mu.Unlock()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Connection) setReason(r *CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == nil {
		c.reason = r
	}
}

// negotiateShort applies the tune rule: both sides non-zero takes the
// minimum, otherwise zero means no preference and the other side wins.
func negotiateShort(server, client uint16) uint16 {
	if server == 0 || client == 0 {
		if server > client {
			return server
		}
		return client
	}
	if server < client {
		return server
	}
	return client
}

func negotiateLong(server, client uint32) uint32 {
	if server == 0 || client == 0 {
		if server > client {
			return server
		}
		return client
	}
	if server < client {
		return server
	}
	return client
}

// containsToken reports whether list (space-separated) contains token.
func containsToken(list, token string) bool {
	for _, t := range strings.Fields(list) {
		if t == token {
			return true
		}
	}
	return false
}

// pickLocale returns the first preferred locale the server advertises,
// else the server's first advertised locale.
func pickLocale(advertised string, preferred []string) string {
	offered := strings.Fields(advertised)
	for _, want := range preferred {
		for _, have := range offered {
			if have == want {
				return want
			}
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return "en_US"
}
