package amqp

import "time"

// decodeMethodArgs parses method arguments according to the catalog
// schema for (classID, methodID). Consecutive bit arguments are
// unpacked from shared octets.
func decodeMethodArgs(classID, methodID uint16, args []byte) (map[string]interface{}, error) {
	spec, err := lookupMethod(classID, methodID)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(spec.args))
	r := newReader(args)
	for _, a := range spec.args {
		v, err := readArg(r, a.typ)
		if err != nil {
			return nil, protocolErrorf("%s argument of method %d:%d: %v", a.name, classID, methodID, err)
		}
		fields[a.name] = v
	}
	return fields, nil
}

func readArg(r *reader, t argType) (interface{}, error) {
	switch t {
	case argBit:
		return r.bit()
	case argOctet:
		return r.octet()
	case argShort:
		return r.short()
	case argLong:
		return r.long()
	case argLongLong:
		return r.longLong()
	case argShortStr:
		return r.shortStr()
	case argLongStr:
		return r.longStr()
	case argTable:
		return r.fieldTable()
	case argTimestamp:
		return r.timestamp()
	}
	return nil, protocolErrorf("unhandled argument type %d", t)
}

// encodeMethodArgs serializes method arguments in catalog order.
// Missing fields encode as their zero value, so callers may omit
// reserved arguments. Consecutive bits share a packed octet; the first
// non-bit argument flushes it.
func encodeMethodArgs(classID, methodID uint16, fields map[string]interface{}) ([]byte, error) {
	spec, err := lookupMethod(classID, methodID)
	if err != nil {
		return nil, err
	}
	var w writer
	for _, a := range spec.args {
		if err := writeArg(&w, a.typ, fields[a.name]); err != nil {
			return nil, clientErrorf("%s argument of %d:%d: %v", a.name, classID, methodID, err)
		}
	}
	return w.bytes(), nil
}

func writeArg(w *writer, t argType, v interface{}) error {
	switch t {
	case argBit:
		b, err := asBool(v)
		if err != nil {
			return err
		}
		w.bit(b)
	case argOctet:
		n, err := asUint64(v)
		if err != nil {
			return err
		}
		w.octet(byte(n))
	case argShort:
		n, err := asUint64(v)
		if err != nil {
			return err
		}
		w.short(uint16(n))
	case argLong:
		n, err := asUint64(v)
		if err != nil {
			return err
		}
		w.long(uint32(n))
	case argLongLong:
		n, err := asUint64(v)
		if err != nil {
			return err
		}
		w.longLong(n)
	case argShortStr:
		s, err := asString(v)
		if err != nil {
			return err
		}
		w.shortStr(s)
	case argLongStr:
		p, err := asBytes(v)
		if err != nil {
			return err
		}
		w.longStr(p)
	case argTable:
		switch x := v.(type) {
		case nil:
			w.flushBits()
			w.buf.Write(writeFieldTable(nil))
		case map[string]interface{}:
			w.flushBits()
			w.buf.Write(writeFieldTable(x))
		default:
			return clientErrorf("want field table, got %T", v)
		}
	case argTimestamp:
		switch x := v.(type) {
		case nil:
			w.longLong(0)
		case time.Time:
			w.timestamp(x)
		default:
			return clientErrorf("want timestamp, got %T", v)
		}
	}
	return nil
}

func asBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	}
	return false, clientErrorf("want bool, got %T", v)
}

func asString(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	}
	return "", clientErrorf("want string, got %T", v)
}

func asBytes(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, clientErrorf("want bytes, got %T", v)
}

func asUint64(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int:
		return uint64(x), nil
	case int32:
		return uint64(x), nil
	case int64:
		return uint64(x), nil
	}
	return 0, clientErrorf("want integer, got %T", v)
}
