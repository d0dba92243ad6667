package main

import (
	"flag"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-client-go/pkg/amqp"
)

func main() {
	host := flag.String("host", "127.0.0.1", "broker host")
	port := flag.Int("port", 5672, "broker port")
	vhost := flag.String("vhost", "/", "virtual host")
	queue := flag.String("queue", "test-queue", "queue name")
	autoAck := flag.Bool("auto-ack", false, "auto ack messages")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp.SetLogger(logger)

	cfg := amqp.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.VirtualHost = *vhost

	conn, err := amqp.Dial(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("channel")
	}
	defer ch.Close()

	// ensure queue exists
	if _, _, err := ch.QueueDeclare(*queue, true, false, false, nil); err != nil {
		logger.Fatal().Err(err).Msg("queue declare")
	}

	tag, err := ch.Consume(*queue, "", *autoAck, func(ch *amqp.Channel, m *amqp.MethodFrame) {
		deliveryTag, _ := m.Fields["delivery-tag"].(uint64)
		logger.Info().Uint64("delivery-tag", deliveryTag).Msg("received delivery")
		if !*autoAck {
			if err := ch.Ack(deliveryTag, false); err != nil {
				logger.Error().Err(err).Msg("ack failed")
			}
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("consume")
	}
	logger.Info().Str("queue", *queue).Str("consumer-tag", tag).Bool("autoAck", *autoAck).Msg("consuming from queue")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
