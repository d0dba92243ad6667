package amqp

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// test helpers: a scripted peer on the far end of a net.Pipe.

func sendServerMethod(t *testing.T, conn net.Conn, channel, classID, methodID uint16, fields map[string]interface{}) {
	t.Helper()
	mf := &MethodFrame{Channel: channel, ClassID: classID, MethodID: methodID, Fields: fields}
	f, err := mf.Frame()
	if err != nil {
		t.Errorf("build method %d:%d: %v", classID, methodID, err)
		return
	}
	if err := WriteFrame(conn, f); err != nil {
		t.Errorf("write method %d:%d: %v", classID, methodID, err)
	}
}

// expectMethod reads frames until the wanted method arrives, skipping
// heartbeats and content frames.
func expectMethod(t *testing.T, conn net.Conn, classID, methodID uint16) *MethodFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			t.Errorf("read while waiting for %d:%d: %v", classID, methodID, err)
			return nil
		}
		if f.Type != FrameMethod {
			continue
		}
		m, err := ParseMethodFrame(f)
		if err != nil {
			t.Errorf("parse while waiting for %d:%d: %v", classID, methodID, err)
			return nil
		}
		if m.ClassID == classID && m.MethodID == methodID {
			return m
		}
	}
}

type handshakeResult struct {
	startOk *MethodFrame
	tuneOk  *MethodFrame
}

// serveHandshake plays the server side of the open sequence and
// returns the client's start-ok and tune-ok for inspection.
func serveHandshake(t *testing.T, conn net.Conn, channelMax uint16, frameMax uint32, heartbeat uint16) handshakeResult {
	t.Helper()
	hdr := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Errorf("read protocol header: %v", err)
		return handshakeResult{}
	}
	conn.SetReadDeadline(time.Time{})
	if !bytes.Equal(hdr, []byte{0x41, 0x4D, 0x51, 0x50, 0x00, 0x00, 0x09, 0x01}) {
		t.Errorf("unexpected protocol header: % X", hdr)
		return handshakeResult{}
	}
	sendServerMethod(t, conn, 0, ClassConnection, MethodConnectionStart, map[string]interface{}{
		"version-major": uint8(0),
		"version-minor": uint8(9),
		"server-properties": map[string]interface{}{
			"product": "test-broker",
			"capabilities": map[string]interface{}{
				"consumer_cancel_notify": true,
				"connection.blocked":     true,
			},
		},
		"mechanisms": []byte("PLAIN AMQPLAIN"),
		"locales":    []byte("en_US"),
	})
	startOk := expectMethod(t, conn, ClassConnection, MethodConnectionStartOk)
	sendServerMethod(t, conn, 0, ClassConnection, MethodConnectionTune, map[string]interface{}{
		"channel-max": channelMax,
		"frame-max":   frameMax,
		"heartbeat":   heartbeat,
	})
	tuneOk := expectMethod(t, conn, ClassConnection, MethodConnectionTuneOk)
	expectMethod(t, conn, ClassConnection, MethodConnectionOpen)
	sendServerMethod(t, conn, 0, ClassConnection, MethodConnectionOpenOk, nil)
	return handshakeResult{startOk: startOk, tuneOk: tuneOk}
}

// serveMethods answers channel and rpc methods until the client closes
// the connection.
func serveMethods(t *testing.T, conn net.Conn) {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if f.Type != FrameMethod {
			continue
		}
		m, err := ParseMethodFrame(f)
		if err != nil {
			t.Errorf("serve parse: %v", err)
			return
		}
		switch {
		case m.ClassID == ClassChannel && m.MethodID == MethodChannelOpen:
			sendServerMethod(t, conn, f.Channel, ClassChannel, MethodChannelOpenOk, nil)
		case m.ClassID == ClassChannel && m.MethodID == MethodChannelClose:
			sendServerMethod(t, conn, f.Channel, ClassChannel, MethodChannelCloseOk, nil)
		case m.ClassID == ClassQueue && m.MethodID == MethodQueueDeclare:
			name, _ := m.Fields["queue"].(string)
			sendServerMethod(t, conn, f.Channel, ClassQueue, MethodQueueDeclareOk, map[string]interface{}{
				"queue":          name,
				"message-count":  uint32(3),
				"consumer-count": uint32(0),
			})
		case m.ClassID == ClassConnection && m.MethodID == MethodConnectionClose:
			sendServerMethod(t, conn, 0, ClassConnection, MethodConnectionCloseOk, nil)
			return
		}
	}
}

// openTestConnection wires a client to a scripted server over a pipe.
func openTestConnection(t *testing.T, cfg Config, channelMax uint16, frameMax uint32, heartbeat uint16) (*Connection, net.Conn, handshakeResult) {
	t.Helper()
	cConn, sConn := net.Pipe()
	resCh := make(chan handshakeResult, 1)
	go func() {
		resCh <- serveHandshake(t, sConn, channelMax, frameMax, heartbeat)
	}()
	c, err := Open(cConn, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c, sConn, <-resCh
}

func waitState(t *testing.T, get func() State, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, get())
}

func TestOpenHandshake(t *testing.T) {
	c, sConn, res := openTestConnection(t, Config{}, 0, 131072, 0)
	defer sConn.Close()

	if c.State() != StateOpen {
		t.Fatalf("connection state %s after open", c.State())
	}
	if c.channels[0].State() != StateOpen {
		t.Fatalf("channel 0 state %s after open", c.channels[0].State())
	}
	if res.startOk == nil {
		t.Fatalf("no start-ok captured")
	}
	if mech, _ := res.startOk.Fields["mechanism"].(string); mech != "AMQPLAIN" {
		t.Fatalf("mechanism %q", mech)
	}
	if resp, _ := res.startOk.Fields["response"].([]byte); len(resp) == 0 {
		t.Fatalf("empty auth response")
	}
	if loc, _ := res.startOk.Fields["locale"].(string); loc != "en_US" {
		t.Fatalf("locale %q", loc)
	}
	props, _ := res.startOk.Fields["client-properties"].(map[string]interface{})
	caps, _ := props["capabilities"].(map[string]interface{})
	if caps["consumer_cancel_notify"] != true || caps["connection.blocked"] != true {
		t.Fatalf("capabilities not echoed: %#v", caps)
	}
	if sp := c.ServerProperties(); sp["product"] != "test-broker" {
		t.Fatalf("server properties not recorded: %#v", sp)
	}

	go serveMethods(t, sConn)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("connection state %s after close", c.State())
	}
}

func TestTuneNegotiation(t *testing.T) {
	cfg := Config{ChannelMax: 256, FrameMax: 0, Heartbeat: 30}
	c, sConn, res := openTestConnection(t, cfg, 2048, 131072, 60)
	defer sConn.Close()
	defer c.teardown()

	if res.tuneOk == nil {
		t.Fatalf("no tune-ok captured")
	}
	if v, _ := res.tuneOk.Fields["channel-max"].(uint16); v != 256 {
		t.Fatalf("tune-ok channel-max %d, want 256", v)
	}
	if v, _ := res.tuneOk.Fields["frame-max"].(uint32); v != 131072 {
		t.Fatalf("tune-ok frame-max %d, want 131072", v)
	}
	if v, _ := res.tuneOk.Fields["heartbeat"].(uint16); v != 30 {
		t.Fatalf("tune-ok heartbeat %d, want 30", v)
	}
	if c.ChannelMax() != 256 || c.FrameMax() != 131072 || c.HeartbeatInterval() != 30*time.Second {
		t.Fatalf("negotiated values: %d %d %s", c.ChannelMax(), c.FrameMax(), c.HeartbeatInterval())
	}
}

func TestChannelAutoAssign(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 256, 0, 0)
	defer sConn.Close()
	defer c.teardown()
	go serveMethods(t, sConn)

	if _, err := c.OpenChannel(1); err != nil {
		t.Fatalf("open channel 1: %v", err)
	}
	if _, err := c.OpenChannel(3); err != nil {
		t.Fatalf("open channel 3: %v", err)
	}
	ch, err := c.Channel()
	if err != nil {
		t.Fatalf("auto channel: %v", err)
	}
	if ch.ID() != 2 {
		t.Fatalf("auto-assigned id %d, want 2", ch.ID())
	}
	if ch.State() != StateOpen {
		t.Fatalf("channel state %s", ch.State())
	}
}

func TestOpenChannelValidation(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{ChannelMax: 4}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()
	go serveMethods(t, sConn)

	if _, err := c.OpenChannel(0); err == nil {
		t.Fatalf("channel 0 must be rejected")
	}
	if _, err := c.OpenChannel(9); err == nil {
		t.Fatalf("id above channel-max must be rejected")
	}
	if _, err := c.OpenChannel(2); err != nil {
		t.Fatalf("open channel 2: %v", err)
	}
	if _, err := c.OpenChannel(2); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}
}

func TestPeerChannelClose(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// open-ok for channels 1 and 2
		expectMethod(t, sConn, ClassChannel, MethodChannelOpen)
		sendServerMethod(t, sConn, 1, ClassChannel, MethodChannelOpenOk, nil)
		expectMethod(t, sConn, ClassChannel, MethodChannelOpen)
		sendServerMethod(t, sConn, 2, ClassChannel, MethodChannelOpenOk, nil)
		// close channel 2 from the server side
		sendServerMethod(t, sConn, 2, ClassChannel, MethodChannelClose, map[string]interface{}{
			"reply-code": uint16(406),
			"reply-text": "PRECONDITION_FAILED",
			"class-id":   uint16(60),
			"method-id":  uint16(40),
		})
		m := expectMethod(t, sConn, ClassChannel, MethodChannelCloseOk)
		if m != nil && m.Channel != 2 {
			t.Errorf("close-ok on channel %d, want 2", m.Channel)
		}
	}()

	ch1, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel 1: %v", err)
	}
	ch2, err := c.OpenChannel(2)
	if err != nil {
		t.Fatalf("open channel 2: %v", err)
	}
	<-done

	waitState(t, ch2.State, StateClosed)
	reason := ch2.CloseReason()
	if reason == nil {
		t.Fatalf("no close reason recorded")
	}
	if reason.ReplyCode != 406 || reason.ReplyText != "PRECONDITION_FAILED" || reason.ClassID != 60 || reason.MethodID != 40 {
		t.Fatalf("close reason %+v", reason)
	}
	if ch1.State() != StateOpen {
		t.Fatalf("channel 1 state %s, want open", ch1.State())
	}
	if c.State() != StateOpen {
		t.Fatalf("connection state %s, want open", c.State())
	}
	c.mu.Lock()
	_, still := c.channels[2]
	c.mu.Unlock()
	if still {
		t.Fatalf("channel 2 still in the channel map")
	}
}

func TestPeerConnectionClose(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()

	go func() {
		sendServerMethod(t, sConn, 0, ClassConnection, MethodConnectionClose, map[string]interface{}{
			"reply-code": uint16(320),
			"reply-text": "CONNECTION_FORCED",
		})
		expectMethod(t, sConn, ClassConnection, MethodConnectionCloseOk)
	}()

	waitState(t, c.State, StateClosed)
	reason := c.CloseReason()
	if reason == nil || reason.ReplyCode != 320 {
		t.Fatalf("close reason %+v", reason)
	}
	if err := c.enqueue(Frame{Type: FrameHeartbeat}); err == nil {
		t.Fatalf("enqueue after close must fail")
	}
}

func TestChannelCloseHandshake(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()
	go serveMethods(t, sConn)

	ch, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if ch.State() != StateClosed {
		t.Fatalf("channel state %s", ch.State())
	}
	c.mu.Lock()
	_, still := c.channels[1]
	c.mu.Unlock()
	if still {
		t.Fatalf("closed channel still mapped")
	}
}

func TestOutboundOrdering(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()

	const producers = 4
	const perProducer = 25
	var mu sync.Mutex
	var expected []string

	received := make(chan []string, 1)
	go func() {
		var got []string
		for len(got) < producers*perProducer {
			f, err := ReadFrame(sConn)
			if err != nil {
				t.Errorf("server read: %v", err)
				break
			}
			if f.Type != FrameBody {
				continue
			}
			got = append(got, string(f.Payload))
		}
		received <- got
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				tag := fmt.Sprintf("p%d-%d", p, i)
				mu.Lock()
				expected = append(expected, tag)
				if err := c.enqueue(Frame{Type: FrameBody, Channel: 1, Payload: []byte(tag)}); err != nil {
					t.Errorf("enqueue: %v", err)
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	got := <-received
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(expected) {
		t.Fatalf("received %d frames, want %d", len(got), len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("frame %d out of order: got %s want %s", i, got[i], expected[i])
		}
	}
}

func TestHeartbeatEmitted(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{Heartbeat: 1}, 0, 0, 1)
	defer sConn.Close()
	defer c.teardown()

	sConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer sConn.SetReadDeadline(time.Time{})
	for {
		f, err := ReadFrame(sConn)
		if err != nil {
			t.Fatalf("no heartbeat within deadline: %v", err)
		}
		if f.Type == FrameHeartbeat {
			if f.Channel != 0 {
				t.Fatalf("heartbeat on channel %d", f.Channel)
			}
			return
		}
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{Heartbeat: 1}, 0, 0, 1)
	defer sConn.Close()

	// keep reading so the client's heartbeats do not block, but never
	// send anything back
	go func() {
		for {
			if _, err := ReadFrame(sConn); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateClosed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connection not closed after heartbeat silence, state %s", c.State())
}

func TestHandshakeTimeout(t *testing.T) {
	cConn, sConn := net.Pipe()
	cfgDone := make(chan struct{})
	go func() {
		defer close(cfgDone)
		hdr := make([]byte, 8)
		io.ReadFull(sConn, hdr)
		// say nothing: the client must give up on its own
	}()

	cfg := Config{ConnectTimeout: 300 * time.Millisecond}
	_, err := Open(cConn, cfg)
	if err == nil {
		t.Fatalf("expected handshake timeout error")
	}
	if _, ok := err.(*ClientError); !ok {
		t.Fatalf("want ClientError, got %T: %v", err, err)
	}
	<-cfgDone
}

func TestAuthMechanismNotAdvertised(t *testing.T) {
	cConn, sConn := net.Pipe()
	defer sConn.Close()
	go func() {
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(sConn, hdr); err != nil {
			return
		}
		sendServerMethod(t, sConn, 0, ClassConnection, MethodConnectionStart, map[string]interface{}{
			"version-major":     uint8(0),
			"version-minor":     uint8(9),
			"server-properties": map[string]interface{}{},
			"mechanisms":        []byte("EXTERNAL"),
			"locales":           []byte("en_US"),
		})
		for {
			if _, err := ReadFrame(sConn); err != nil {
				return
			}
		}
	}()

	cfg := Config{ConnectTimeout: time.Second}
	_, err := Open(cConn, cfg)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
}

func TestUnknownChannelFrameDropped(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()

	// a frame for a channel that was never opened must be skipped
	if err := WriteFrame(sConn, Frame{Type: FrameBody, Channel: 7, Payload: []byte("stray")}); err != nil {
		t.Fatalf("write stray frame: %v", err)
	}
	go serveMethods(t, sConn)
	ch, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel after stray frame: %v", err)
	}
	name, count, err := ch.QueueDeclare("jobs", false, false, false, nil)
	if err != nil {
		t.Fatalf("queue declare: %v", err)
	}
	if name != "jobs" || count != 3 {
		t.Fatalf("declare-ok fields: %q %d", name, count)
	}
}

func TestChannelFlow(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		expectMethod(t, sConn, ClassChannel, MethodChannelOpen)
		sendServerMethod(t, sConn, 1, ClassChannel, MethodChannelOpenOk, nil)
		sendServerMethod(t, sConn, 1, ClassChannel, MethodChannelFlow, map[string]interface{}{"active": false})
		m := expectMethod(t, sConn, ClassChannel, MethodChannelFlowOk)
		if m != nil {
			if act, _ := m.Fields["active"].(bool); act {
				t.Errorf("flow-ok active should be false")
			}
		}
	}()

	ch, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	<-done
	deadline := time.Now().Add(2 * time.Second)
	for ch.Flow() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.Flow() {
		t.Fatalf("flow flag still active after channel.flow(false)")
	}
}

func TestConsumeDeliver(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 0, 0)
	defer sConn.Close()
	defer c.teardown()

	go func() {
		expectMethod(t, sConn, ClassChannel, MethodChannelOpen)
		sendServerMethod(t, sConn, 1, ClassChannel, MethodChannelOpenOk, nil)
		expectMethod(t, sConn, ClassBasic, MethodBasicConsume)
		sendServerMethod(t, sConn, 1, ClassBasic, MethodBasicConsumeOk, map[string]interface{}{
			"consumer-tag": "ctag-7",
		})
		sendServerMethod(t, sConn, 1, ClassBasic, MethodBasicDeliver, map[string]interface{}{
			"consumer-tag": "ctag-7",
			"delivery-tag": uint64(42),
			"exchange":     "ex",
			"routing-key":  "rk",
		})
	}()

	ch, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	delivered := make(chan uint64, 1)
	tag, err := ch.Consume("jobs", "", true, func(ch *Channel, m *MethodFrame) {
		dt, _ := m.Fields["delivery-tag"].(uint64)
		delivered <- dt
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if tag != "ctag-7" {
		t.Fatalf("consumer tag %q", tag)
	}
	select {
	case dt := <-delivered:
		if dt != 42 {
			t.Fatalf("delivery tag %d", dt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery never dispatched")
	}
}

func TestPublishSplitsBodyByFrameMax(t *testing.T) {
	c, sConn, _ := openTestConnection(t, Config{}, 0, 16, 0)
	defer sConn.Close()
	defer c.teardown()

	body := bytes.Repeat([]byte{0xEE}, 20)
	sizes := make(chan []int, 1)
	go func() {
		expectMethod(t, sConn, ClassChannel, MethodChannelOpen)
		sendServerMethod(t, sConn, 1, ClassChannel, MethodChannelOpenOk, nil)
		expectMethod(t, sConn, ClassBasic, MethodBasicPublish)
		var got []int
		var seen int
		for seen < len(body) {
			f, err := ReadFrame(sConn)
			if err != nil {
				t.Errorf("server read: %v", err)
				break
			}
			switch f.Type {
			case FrameHeader:
				h, err := ParseHeaderFrame(f)
				if err != nil {
					t.Errorf("parse header: %v", err)
				} else if h.BodySize != uint64(len(body)) {
					t.Errorf("header body size %d", h.BodySize)
				}
			case FrameBody:
				got = append(got, len(f.Payload))
				seen += len(f.Payload)
			}
		}
		sizes <- got
	}()

	ch, err := c.OpenChannel(1)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if err := ch.Publish("", "rk", false, BasicProperties{ContentType: "text/plain"}, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := <-sizes
	want := []int{8, 8, 4}
	if len(got) != len(want) {
		t.Fatalf("body frame sizes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("body frame sizes %v, want %v", got, want)
		}
	}
}
