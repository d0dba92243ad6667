package amqp

// Class and method ids for AMQP 0-9-1.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
	ClassTx         = 90

	MethodConnectionStart     = 10
	MethodConnectionStartOk   = 11
	MethodConnectionSecure    = 20
	MethodConnectionSecureOk  = 21
	MethodConnectionTune      = 30
	MethodConnectionTuneOk    = 31
	MethodConnectionOpen      = 40
	MethodConnectionOpenOk    = 41
	MethodConnectionClose     = 50
	MethodConnectionCloseOk   = 51
	MethodConnectionBlocked   = 60
	MethodConnectionUnblocked = 61

	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelFlow    = 20
	MethodChannelFlowOk  = 21
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
	MethodExchangeDelete    = 20
	MethodExchangeDeleteOk  = 21
	MethodExchangeBind      = 30
	MethodExchangeBindOk    = 31
	MethodExchangeUnbind    = 40
	MethodExchangeUnbindOk  = 51

	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
	MethodQueuePurge     = 30
	MethodQueuePurgeOk   = 31
	MethodQueueDelete    = 40
	MethodQueueDeleteOk  = 41
	MethodQueueUnbind    = 50
	MethodQueueUnbindOk  = 51

	MethodBasicQos          = 10
	MethodBasicQosOk        = 11
	MethodBasicConsume      = 20
	MethodBasicConsumeOk    = 21
	MethodBasicCancel       = 30
	MethodBasicCancelOk     = 31
	MethodBasicPublish      = 40
	MethodBasicReturn       = 50
	MethodBasicDeliver      = 60
	MethodBasicGet          = 70
	MethodBasicGetOk        = 71
	MethodBasicGetEmpty     = 72
	MethodBasicAck          = 80
	MethodBasicReject       = 90
	MethodBasicRecoverAsync = 100
	MethodBasicRecover      = 110
	MethodBasicRecoverOk    = 111
	MethodBasicNack         = 120

	MethodConfirmSelect   = 10
	MethodConfirmSelectOk = 11

	MethodTxSelect     = 10
	MethodTxSelectOk   = 11
	MethodTxCommit     = 20
	MethodTxCommitOk   = 21
	MethodTxRollback   = 30
	MethodTxRollbackOk = 31
)

// argType identifies the wire encoding of a method argument or content
// property.
type argType uint8

const (
	argBit argType = iota
	argOctet
	argShort
	argLong
	argLongLong
	argShortStr
	argLongStr
	argTable
	argTimestamp
)

type argSpec struct {
	name string
	typ  argType
}

type methodSpec struct {
	id       uint16
	name     string
	response string // "" when the method has no reply
	args     []argSpec
}

type classSpec struct {
	id         uint16
	name       string
	methods    []methodSpec
	properties []argSpec // content properties, in flag order
}

// classes is the build-time catalog: the single source of truth for
// argument order, type and bit grouping.
var classes = []classSpec{
	{
		id:   ClassConnection,
		name: "connection",
		methods: []methodSpec{
			{id: MethodConnectionStart, name: "start", response: "start-ok", args: []argSpec{
				{"version-major", argOctet},
				{"version-minor", argOctet},
				{"server-properties", argTable},
				{"mechanisms", argLongStr},
				{"locales", argLongStr},
			}},
			{id: MethodConnectionStartOk, name: "start-ok", args: []argSpec{
				{"client-properties", argTable},
				{"mechanism", argShortStr},
				{"response", argLongStr},
				{"locale", argShortStr},
			}},
			{id: MethodConnectionSecure, name: "secure", response: "secure-ok", args: []argSpec{
				{"challenge", argLongStr},
			}},
			{id: MethodConnectionSecureOk, name: "secure-ok", args: []argSpec{
				{"response", argLongStr},
			}},
			{id: MethodConnectionTune, name: "tune", response: "tune-ok", args: []argSpec{
				{"channel-max", argShort},
				{"frame-max", argLong},
				{"heartbeat", argShort},
			}},
			{id: MethodConnectionTuneOk, name: "tune-ok", args: []argSpec{
				{"channel-max", argShort},
				{"frame-max", argLong},
				{"heartbeat", argShort},
			}},
			{id: MethodConnectionOpen, name: "open", response: "open-ok", args: []argSpec{
				{"virtual-host", argShortStr},
				{"reserved-1", argShortStr},
				{"reserved-2", argBit},
			}},
			{id: MethodConnectionOpenOk, name: "open-ok", args: []argSpec{
				{"reserved-1", argShortStr},
			}},
			{id: MethodConnectionClose, name: "close", response: "close-ok", args: []argSpec{
				{"reply-code", argShort},
				{"reply-text", argShortStr},
				{"class-id", argShort},
				{"method-id", argShort},
			}},
			{id: MethodConnectionCloseOk, name: "close-ok"},
			{id: MethodConnectionBlocked, name: "blocked", args: []argSpec{
				{"reason", argShortStr},
			}},
			{id: MethodConnectionUnblocked, name: "unblocked"},
		},
	},
	{
		id:   ClassChannel,
		name: "channel",
		methods: []methodSpec{
			{id: MethodChannelOpen, name: "open", response: "open-ok", args: []argSpec{
				{"reserved-1", argShortStr},
			}},
			{id: MethodChannelOpenOk, name: "open-ok", args: []argSpec{
				{"reserved-1", argLongStr},
			}},
			{id: MethodChannelFlow, name: "flow", response: "flow-ok", args: []argSpec{
				{"active", argBit},
			}},
			{id: MethodChannelFlowOk, name: "flow-ok", args: []argSpec{
				{"active", argBit},
			}},
			{id: MethodChannelClose, name: "close", response: "close-ok", args: []argSpec{
				{"reply-code", argShort},
				{"reply-text", argShortStr},
				{"class-id", argShort},
				{"method-id", argShort},
			}},
			{id: MethodChannelCloseOk, name: "close-ok"},
		},
	},
	{
		id:   ClassExchange,
		name: "exchange",
		methods: []methodSpec{
			{id: MethodExchangeDeclare, name: "declare", response: "declare-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"exchange", argShortStr},
				{"type", argShortStr},
				{"passive", argBit},
				{"durable", argBit},
				{"auto-delete", argBit},
				{"internal", argBit},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodExchangeDeclareOk, name: "declare-ok"},
			{id: MethodExchangeDelete, name: "delete", response: "delete-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"exchange", argShortStr},
				{"if-unused", argBit},
				{"no-wait", argBit},
			}},
			{id: MethodExchangeDeleteOk, name: "delete-ok"},
			{id: MethodExchangeBind, name: "bind", response: "bind-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"destination", argShortStr},
				{"source", argShortStr},
				{"routing-key", argShortStr},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodExchangeBindOk, name: "bind-ok"},
			{id: MethodExchangeUnbind, name: "unbind", response: "unbind-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"destination", argShortStr},
				{"source", argShortStr},
				{"routing-key", argShortStr},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodExchangeUnbindOk, name: "unbind-ok"},
		},
	},
	{
		id:   ClassQueue,
		name: "queue",
		methods: []methodSpec{
			{id: MethodQueueDeclare, name: "declare", response: "declare-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"passive", argBit},
				{"durable", argBit},
				{"exclusive", argBit},
				{"auto-delete", argBit},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodQueueDeclareOk, name: "declare-ok", args: []argSpec{
				{"queue", argShortStr},
				{"message-count", argLong},
				{"consumer-count", argLong},
			}},
			{id: MethodQueueBind, name: "bind", response: "bind-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodQueueBindOk, name: "bind-ok"},
			{id: MethodQueuePurge, name: "purge", response: "purge-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"no-wait", argBit},
			}},
			{id: MethodQueuePurgeOk, name: "purge-ok", args: []argSpec{
				{"message-count", argLong},
			}},
			{id: MethodQueueDelete, name: "delete", response: "delete-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"if-unused", argBit},
				{"if-empty", argBit},
				{"no-wait", argBit},
			}},
			{id: MethodQueueDeleteOk, name: "delete-ok", args: []argSpec{
				{"message-count", argLong},
			}},
			{id: MethodQueueUnbind, name: "unbind", response: "unbind-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
				{"arguments", argTable},
			}},
			{id: MethodQueueUnbindOk, name: "unbind-ok"},
		},
	},
	{
		id:   ClassBasic,
		name: "basic",
		properties: []argSpec{
			{"content-type", argShortStr},
			{"content-encoding", argShortStr},
			{"headers", argTable},
			{"delivery-mode", argOctet},
			{"priority", argOctet},
			{"correlation-id", argShortStr},
			{"reply-to", argShortStr},
			{"expiration", argShortStr},
			{"message-id", argShortStr},
			{"timestamp", argTimestamp},
			{"type", argShortStr},
			{"user-id", argShortStr},
			{"app-id", argShortStr},
			{"cluster-id", argShortStr},
		},
		methods: []methodSpec{
			{id: MethodBasicQos, name: "qos", response: "qos-ok", args: []argSpec{
				{"prefetch-size", argLong},
				{"prefetch-count", argShort},
				{"global", argBit},
			}},
			{id: MethodBasicQosOk, name: "qos-ok"},
			{id: MethodBasicConsume, name: "consume", response: "consume-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"consumer-tag", argShortStr},
				{"no-local", argBit},
				{"no-ack", argBit},
				{"exclusive", argBit},
				{"no-wait", argBit},
				{"arguments", argTable},
			}},
			{id: MethodBasicConsumeOk, name: "consume-ok", args: []argSpec{
				{"consumer-tag", argShortStr},
			}},
			{id: MethodBasicCancel, name: "cancel", response: "cancel-ok", args: []argSpec{
				{"consumer-tag", argShortStr},
				{"no-wait", argBit},
			}},
			{id: MethodBasicCancelOk, name: "cancel-ok", args: []argSpec{
				{"consumer-tag", argShortStr},
			}},
			{id: MethodBasicPublish, name: "publish", args: []argSpec{
				{"reserved-1", argShort},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
				{"mandatory", argBit},
				{"immediate", argBit},
			}},
			{id: MethodBasicReturn, name: "return", args: []argSpec{
				{"reply-code", argShort},
				{"reply-text", argShortStr},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
			}},
			{id: MethodBasicDeliver, name: "deliver", args: []argSpec{
				{"consumer-tag", argShortStr},
				{"delivery-tag", argLongLong},
				{"redelivered", argBit},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
			}},
			{id: MethodBasicGet, name: "get", response: "get-ok", args: []argSpec{
				{"reserved-1", argShort},
				{"queue", argShortStr},
				{"no-ack", argBit},
			}},
			{id: MethodBasicGetOk, name: "get-ok", args: []argSpec{
				{"delivery-tag", argLongLong},
				{"redelivered", argBit},
				{"exchange", argShortStr},
				{"routing-key", argShortStr},
				{"message-count", argLong},
			}},
			{id: MethodBasicGetEmpty, name: "get-empty", args: []argSpec{
				{"reserved-1", argShortStr},
			}},
			{id: MethodBasicAck, name: "ack", args: []argSpec{
				{"delivery-tag", argLongLong},
				{"multiple", argBit},
			}},
			{id: MethodBasicReject, name: "reject", args: []argSpec{
				{"delivery-tag", argLongLong},
				{"requeue", argBit},
			}},
			{id: MethodBasicRecoverAsync, name: "recover-async", args: []argSpec{
				{"requeue", argBit},
			}},
			{id: MethodBasicRecover, name: "recover", response: "recover-ok", args: []argSpec{
				{"requeue", argBit},
			}},
			{id: MethodBasicRecoverOk, name: "recover-ok"},
			{id: MethodBasicNack, name: "nack", args: []argSpec{
				{"delivery-tag", argLongLong},
				{"multiple", argBit},
				{"requeue", argBit},
			}},
		},
	},
	{
		id:   ClassConfirm,
		name: "confirm",
		methods: []methodSpec{
			{id: MethodConfirmSelect, name: "select", response: "select-ok", args: []argSpec{
				{"no-wait", argBit},
			}},
			{id: MethodConfirmSelectOk, name: "select-ok"},
		},
	},
	{
		id:   ClassTx,
		name: "tx",
		methods: []methodSpec{
			{id: MethodTxSelect, name: "select", response: "select-ok"},
			{id: MethodTxSelectOk, name: "select-ok"},
			{id: MethodTxCommit, name: "commit", response: "commit-ok"},
			{id: MethodTxCommitOk, name: "commit-ok"},
			{id: MethodTxRollback, name: "rollback", response: "rollback-ok"},
			{id: MethodTxRollbackOk, name: "rollback-ok"},
		},
	},
}

// reverse indices, built once at init and shared read-only.
var (
	classByID     map[uint16]*classSpec
	classByName   map[string]*classSpec
	methodsByID   map[uint32]*methodSpec
	methodsByName map[string]*methodSpec
)

func methodKey(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

func init() {
	classByID = make(map[uint16]*classSpec, len(classes))
	classByName = make(map[string]*classSpec, len(classes))
	methodsByID = make(map[uint32]*methodSpec)
	methodsByName = make(map[string]*methodSpec)
	for i := range classes {
		c := &classes[i]
		classByID[c.id] = c
		classByName[c.name] = c
		for j := range c.methods {
			m := &c.methods[j]
			methodsByID[methodKey(c.id, m.id)] = m
			methodsByName[c.name+"."+m.name] = m
		}
	}
}

func lookupMethod(classID, methodID uint16) (*methodSpec, error) {
	m, ok := methodsByID[methodKey(classID, methodID)]
	if !ok {
		return nil, protocolErrorf("unknown method %d of class %d", methodID, classID)
	}
	return m, nil
}

// responseID resolves the method id of the reply expected for a request
// method, using the catalog's response names. The reply belongs to the
// same class as the request.
func responseID(classID, methodID uint16) (uint16, bool) {
	c, ok := classByID[classID]
	if !ok {
		return 0, false
	}
	m, err := lookupMethod(classID, methodID)
	if err != nil || m.response == "" {
		return 0, false
	}
	r, ok := methodsByName[c.name+"."+m.response]
	if !ok {
		return 0, false
	}
	return r.id, true
}
