package amqp

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Decimal is the AMQP decimal value: an unsigned 32-bit mantissa scaled
// by a power of ten.
type Decimal struct {
	Scale uint8
	Value uint32
}

// reader decodes AMQP primitives from a byte slice. Bit arguments are
// unpacked from a staging octet; any non-bit read resets the bit
// position so the next bit consumes a fresh octet.
type reader struct {
	buf    []byte
	pos    int
	bits   byte
	bitPos uint
}

func newReader(p []byte) *reader {
	return &reader{buf: p}
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, protocolErrorf("truncated data: need %d bytes, have %d", n, r.remaining())
	}
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

func (r *reader) bit() (bool, error) {
	if r.bitPos == 0 {
		p, err := r.take(1)
		if err != nil {
			return false, err
		}
		r.bits = p[0]
	}
	v := r.bits&(1<<r.bitPos) != 0
	r.bitPos++
	if r.bitPos == 8 {
		r.bitPos = 0
	}
	return v, nil
}

func (r *reader) octet() (byte, error) {
	r.bitPos = 0
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *reader) short() (uint16, error) {
	r.bitPos = 0
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *reader) long() (uint32, error) {
	r.bitPos = 0
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (r *reader) longLong() (uint64, error) {
	r.bitPos = 0
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (r *reader) float() (float32, error) {
	v, err := r.long()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *reader) double() (float64, error) {
	v, err := r.longLong()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *reader) shortStr() (string, error) {
	n, err := r.octet()
	if err != nil {
		return "", err
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (r *reader) longStr() ([]byte, error) {
	n, err := r.long()
	if err != nil {
		return nil, err
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (r *reader) decimal() (Decimal, error) {
	scale, err := r.octet()
	if err != nil {
		return Decimal{}, err
	}
	v, err := r.long()
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Scale: scale, Value: v}, nil
}

func (r *reader) timestamp() (time.Time, error) {
	v, err := r.longLong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0), nil
}

// fieldValue reads one tagged value. The tag alphabet follows the 0-9-1
// field-value grammar plus the RabbitMQ extensions ('x' for byte
// arrays, 'V' for no value).
func (r *reader) fieldValue() (interface{}, error) {
	tag, err := r.octet()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 't':
		b, err := r.octet()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case 'b':
		b, err := r.octet()
		if err != nil {
			return nil, err
		}
		return int8(b), nil
	case 'B':
		return r.octet()
	case 'U':
		v, err := r.short()
		if err != nil {
			return nil, err
		}
		return int16(v), nil
	case 'u', 's':
		return r.short()
	case 'I':
		v, err := r.long()
		if err != nil {
			return nil, err
		}
		return int32(v), nil
	case 'i':
		return r.long()
	case 'L':
		v, err := r.longLong()
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case 'l':
		return r.longLong()
	case 'f':
		return r.float()
	case 'd':
		return r.double()
	case 'D':
		return r.decimal()
	case 'S':
		p, err := r.longStr()
		if err != nil {
			return nil, err
		}
		return string(p), nil
	case 'x':
		return r.longStr()
	case 'A':
		return r.fieldArray()
	case 'T':
		return r.timestamp()
	case 'F':
		return r.fieldTable()
	case 'V':
		return nil, nil
	default:
		return nil, protocolErrorf("unknown field-value tag %q", tag)
	}
}

func (r *reader) fieldTable() (map[string]interface{}, error) {
	n, err := r.long()
	if err != nil {
		return nil, err
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	table := make(map[string]interface{})
	tr := newReader(p)
	for tr.remaining() > 0 {
		name, err := tr.shortStr()
		if err != nil {
			return nil, err
		}
		v, err := tr.fieldValue()
		if err != nil {
			return nil, err
		}
		table[name] = v
	}
	return table, nil
}

func (r *reader) fieldArray() ([]interface{}, error) {
	n, err := r.long()
	if err != nil {
		return nil, err
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	var arr []interface{}
	ar := newReader(p)
	for ar.remaining() > 0 {
		v, err := ar.fieldValue()
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

// writer encodes AMQP primitives into a buffer. Consecutive bits are
// packed into a staging octet that is flushed by the eighth bit or by
// any non-bit value.
type writer struct {
	buf    bytes.Buffer
	bits   byte
	bitPos uint
}

func (w *writer) flushBits() {
	if w.bitPos > 0 {
		w.buf.WriteByte(w.bits)
		w.bits = 0
		w.bitPos = 0
	}
}

func (w *writer) bit(v bool) {
	if v {
		w.bits |= 1 << w.bitPos
	}
	w.bitPos++
	if w.bitPos == 8 {
		w.flushBits()
	}
}

func (w *writer) octet(v byte) {
	w.flushBits()
	w.buf.WriteByte(v)
}

func (w *writer) short(v uint16) {
	w.flushBits()
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], v)
	w.buf.Write(p[:])
}

func (w *writer) long(v uint32) {
	w.flushBits()
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], v)
	w.buf.Write(p[:])
}

func (w *writer) longLong(v uint64) {
	w.flushBits()
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	w.buf.Write(p[:])
}

func (w *writer) float(v float32) {
	w.long(math.Float32bits(v))
}

func (w *writer) double(v float64) {
	w.longLong(math.Float64bits(v))
}

// shortStr truncates at 255 bytes, matching the one-octet length prefix.
func (w *writer) shortStr(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.octet(byte(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) longStr(p []byte) {
	w.long(uint32(len(p)))
	w.buf.Write(p)
}

func (w *writer) decimal(d Decimal) {
	w.octet(d.Scale)
	w.long(d.Value)
}

func (w *writer) timestamp(t time.Time) {
	w.longLong(uint64(t.Unix()))
}

func (w *writer) fieldValue(v interface{}) error {
	switch x := v.(type) {
	case nil:
		w.octet('V')
	case bool:
		w.octet('t')
		if x {
			w.octet(1)
		} else {
			w.octet(0)
		}
	case int8:
		w.octet('b')
		w.octet(byte(x))
	case uint8:
		w.octet('B')
		w.octet(x)
	case int16:
		w.octet('U')
		w.short(uint16(x))
	case uint16:
		w.octet('u')
		w.short(x)
	case int32:
		w.octet('I')
		w.long(uint32(x))
	case uint32:
		w.octet('i')
		w.long(x)
	case int:
		w.octet('L')
		w.longLong(uint64(int64(x)))
	case int64:
		w.octet('L')
		w.longLong(uint64(x))
	case uint64:
		w.octet('l')
		w.longLong(x)
	case float32:
		w.octet('f')
		w.float(x)
	case float64:
		w.octet('d')
		w.double(x)
	case Decimal:
		w.octet('D')
		w.decimal(x)
	case string:
		w.octet('S')
		w.longStr([]byte(x))
	case []byte:
		w.octet('x')
		w.longStr(x)
	case []interface{}:
		w.octet('A')
		var aw writer
		for _, e := range x {
			if err := aw.fieldValue(e); err != nil {
				return err
			}
		}
		w.longStr(aw.bytes())
	case time.Time:
		w.octet('T')
		w.timestamp(x)
	case map[string]interface{}:
		w.octet('F')
		w.buf.Write(writeFieldTable(x))
	default:
		return clientErrorf("unsupported field-table value type %T", v)
	}
	return nil
}

// bytes flushes any staged bits and returns the encoded buffer.
func (w *writer) bytes() []byte {
	w.flushBits()
	return w.buf.Bytes()
}

// writeFieldTable serializes a table as a 4-byte byte length followed by
// name/value pairs. Unsupported value types are skipped.
func writeFieldTable(table map[string]interface{}) []byte {
	var tw writer
	for name, v := range table {
		var vw writer
		if err := vw.fieldValue(v); err != nil {
			logger.Debug().Str("field", name).Err(err).Msg("skipping field-table entry")
			continue
		}
		tw.shortStr(name)
		tw.buf.Write(vw.bytes())
	}
	var w writer
	w.longStr(tw.bytes())
	return w.bytes()
}

// parseFieldTable parses a length-prefixed field table from the start of
// p and returns the table plus the number of bytes consumed.
func parseFieldTable(p []byte) (map[string]interface{}, int, error) {
	r := newReader(p)
	table, err := r.fieldTable()
	if err != nil {
		return nil, 0, err
	}
	return table, r.pos, nil
}
