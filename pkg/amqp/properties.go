package amqp

import "time"

// BasicProperties represents parsed content header properties from a content header frame.
type BasicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// readBasicProperties reads the property-flags words and then each
// present property in catalog order. Flag words with bit 0 set chain a
// continuation word; the basic class only ever uses the first word but
// decoding tolerates extras.
func readBasicProperties(r *reader) (BasicProperties, error) {
	var props BasicProperties
	flags, err := r.short()
	if err != nil {
		return props, err
	}
	flagWords := []uint16{flags}
	for flagWords[len(flagWords)-1]&1 == 1 {
		fw, err := r.short()
		if err != nil {
			return props, err
		}
		flagWords = append(flagWords, fw)
	}
	var present []bool
	for _, fw := range flagWords {
		for i := 15; i >= 1; i-- {
			present = append(present, fw&(1<<uint(i)) != 0)
		}
	}
	order := classByID[ClassBasic].properties
	for i, spec := range order {
		if i >= len(present) || !present[i] {
			continue
		}
		v, err := readArg(r, spec.typ)
		if err != nil {
			return props, err
		}
		if err := props.set(spec.name, v); err != nil {
			return props, err
		}
	}
	return props, nil
}

func (p *BasicProperties) set(name string, v interface{}) error {
	switch name {
	case "content-type":
		p.ContentType = v.(string)
	case "content-encoding":
		p.ContentEncoding = v.(string)
	case "headers":
		p.Headers = v.(map[string]interface{})
	case "delivery-mode":
		p.DeliveryMode = v.(uint8)
	case "priority":
		p.Priority = v.(uint8)
	case "correlation-id":
		p.CorrelationId = v.(string)
	case "reply-to":
		p.ReplyTo = v.(string)
	case "expiration":
		p.Expiration = v.(string)
	case "message-id":
		p.MessageId = v.(string)
	case "timestamp":
		p.Timestamp = v.(time.Time)
	case "type":
		p.Type = v.(string)
	case "user-id":
		p.UserId = v.(string)
	case "app-id":
		p.AppId = v.(string)
	case "cluster-id":
		p.ClusterId = v.(string)
	default:
		return protocolErrorf("unknown basic property %q", name)
	}
	return nil
}

func (p *BasicProperties) get(name string) (interface{}, bool) {
	switch name {
	case "content-type":
		return p.ContentType, p.ContentType != ""
	case "content-encoding":
		return p.ContentEncoding, p.ContentEncoding != ""
	case "headers":
		return p.Headers, len(p.Headers) > 0
	case "delivery-mode":
		return p.DeliveryMode, p.DeliveryMode != 0
	case "priority":
		return p.Priority, p.Priority != 0
	case "correlation-id":
		return p.CorrelationId, p.CorrelationId != ""
	case "reply-to":
		return p.ReplyTo, p.ReplyTo != ""
	case "expiration":
		return p.Expiration, p.Expiration != ""
	case "message-id":
		return p.MessageId, p.MessageId != ""
	case "timestamp":
		return p.Timestamp, !p.Timestamp.IsZero()
	case "type":
		return p.Type, p.Type != ""
	case "user-id":
		return p.UserId, p.UserId != ""
	case "app-id":
		return p.AppId, p.AppId != ""
	case "cluster-id":
		return p.ClusterId, p.ClusterId != ""
	}
	return nil, false
}

// writeBasicProperties emits the property-flags word then each present
// property in catalog order. Zero-valued properties are treated as
// absent.
func writeBasicProperties(w *writer, p BasicProperties) {
	order := classByID[ClassBasic].properties
	var flags uint16
	for i, spec := range order {
		if _, ok := p.get(spec.name); ok {
			flags |= 1 << uint(15-i)
		}
	}
	w.short(flags)
	for _, spec := range order {
		v, ok := p.get(spec.name)
		if !ok {
			continue
		}
		// property lists carry no bits, so writeArg cannot fail on
		// values produced by get
		if err := writeArg(w, spec.typ, v); err != nil {
			logger.Debug().Str("property", spec.name).Err(err).Msg("dropping content property")
		}
	}
}
