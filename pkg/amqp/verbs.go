package amqp

// Thin verb wrappers over the method dispatch core. Synchronous verbs
// use the catalog's request/response pairing to wait for the server
// acknowledgement.

// ExchangeDeclare declares an exchange and waits for declare-ok.
func (ch *Channel) ExchangeDeclare(exchange, kind string, durable, autoDelete bool, args map[string]interface{}) error {
	_, err := ch.call(ClassExchange, MethodExchangeDeclare, map[string]interface{}{
		"exchange":    exchange,
		"type":        kind,
		"durable":     durable,
		"auto-delete": autoDelete,
		"arguments":   args,
	})
	return err
}

// QueueDeclare declares a queue and returns the server-assigned name
// and its message count.
func (ch *Channel) QueueDeclare(queue string, durable, exclusive, autoDelete bool, args map[string]interface{}) (string, uint32, error) {
	m, err := ch.call(ClassQueue, MethodQueueDeclare, map[string]interface{}{
		"queue":       queue,
		"durable":     durable,
		"exclusive":   exclusive,
		"auto-delete": autoDelete,
		"arguments":   args,
	})
	if err != nil {
		return "", 0, err
	}
	name, _ := m.Fields["queue"].(string)
	count, _ := m.Fields["message-count"].(uint32)
	return name, count, nil
}

// QueueBind binds a queue to an exchange and waits for bind-ok.
func (ch *Channel) QueueBind(queue, exchange, routingKey string, args map[string]interface{}) error {
	_, err := ch.call(ClassQueue, MethodQueueBind, map[string]interface{}{
		"queue":       queue,
		"exchange":    exchange,
		"routing-key": routingKey,
		"arguments":   args,
	})
	return err
}

// Qos sets the prefetch window and waits for qos-ok.
func (ch *Channel) Qos(prefetchSize uint32, prefetchCount uint16, global bool) error {
	_, err := ch.call(ClassBasic, MethodBasicQos, map[string]interface{}{
		"prefetch-size":  prefetchSize,
		"prefetch-count": prefetchCount,
		"global":         global,
	})
	return err
}

// ConfirmSelect puts the channel in publisher-confirm mode.
func (ch *Channel) ConfirmSelect() error {
	_, err := ch.call(ClassConfirm, MethodConfirmSelect, nil)
	return err
}

// Consume starts a consumer and passes each basic.deliver method frame
// to deliver. The content header and body frames that follow a delivery
// are not passed to deliver; they go through the channel's frame
// handlers. It returns the server consumer tag.
func (ch *Channel) Consume(queue, consumerTag string, noAck bool, deliver func(ch *Channel, m *MethodFrame)) (string, error) {
	ch.SetMethodHandler(ClassBasic, MethodBasicDeliver, func(ch *Channel, f Frame, m *MethodFrame) {
		deliver(ch, m)
	})
	m, err := ch.call(ClassBasic, MethodBasicConsume, map[string]interface{}{
		"queue":        queue,
		"consumer-tag": consumerTag,
		"no-ack":       noAck,
	})
	if err != nil {
		ch.SetMethodHandler(ClassBasic, MethodBasicDeliver, nil)
		return "", err
	}
	tag, _ := m.Fields["consumer-tag"].(string)
	return tag, nil
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(deliveryTag uint64, multiple bool) error {
	return ch.SendMethod(ClassBasic, MethodBasicAck, map[string]interface{}{
		"delivery-tag": deliveryTag,
		"multiple":     multiple,
	})
}

// Publish sends basic.publish followed by the content header and body
// frames. Bodies larger than the negotiated frame-max are split across
// body frames.
func (ch *Channel) Publish(exchange, routingKey string, mandatory bool, props BasicProperties, body []byte) error {
	err := ch.SendMethod(ClassBasic, MethodBasicPublish, map[string]interface{}{
		"exchange":    exchange,
		"routing-key": routingKey,
		"mandatory":   mandatory,
	})
	if err != nil {
		return err
	}
	hf := &HeaderFrame{Channel: ch.id, ClassID: ClassBasic, BodySize: uint64(len(body)), Properties: props}
	if err := ch.conn.enqueue(hf.Frame()); err != nil {
		return err
	}
	// frame-max covers the whole frame; leave room for the 7-byte
	// header and the end octet
	max := ch.conn.FrameMax()
	chunk := len(body)
	if max > 8 && int(max-8) < chunk {
		chunk = int(max - 8)
	}
	for len(body) > 0 {
		n := chunk
		if n > len(body) {
			n = len(body)
		}
		bf := &BodyFrame{Channel: ch.id, Body: body[:n]}
		if err := ch.conn.enqueue(bf.Frame()); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}
