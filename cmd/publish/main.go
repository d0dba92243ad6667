package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-client-go/pkg/amqp"
)

func main() {
	host := flag.String("host", "127.0.0.1", "broker host")
	port := flag.Int("port", 5672, "broker port")
	vhost := flag.String("vhost", "/", "virtual host")
	configPath := flag.String("config", "", "optional TOML config file (overrides host/port/vhost flags)")
	exchange := flag.String("exchange", "", "exchange name")
	key := flag.String("key", "test", "routing key")
	queue := flag.String("queue", "test-queue", "queue name")
	body := flag.String("body", "hello", "message body")
	flag.Parse()

	// configure logger
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp.SetLogger(logger)

	cfg := amqp.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.VirtualHost = *vhost
	if *configPath != "" {
		var err error
		cfg, err = amqp.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("config")
		}
	}

	conn, err := amqp.Dial(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer func() {
		logger.Info().Msg("closing connection")
		conn.Close()
		logger.Info().Msg("connection closed")
	}()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("channel")
	}
	defer func() {
		logger.Info().Msg("closing channel")
		ch.Close()
		logger.Info().Msg("channel closed")
	}()

	// declare exchange and queue and bind before publishing
	if *exchange != "" {
		if err := ch.ExchangeDeclare(*exchange, "direct", true, false, nil); err != nil {
			logger.Fatal().Err(err).Msg("exchange declare")
		}
		if _, _, err := ch.QueueDeclare(*queue, true, false, false, nil); err != nil {
			logger.Fatal().Err(err).Msg("queue declare")
		}
		if err := ch.QueueBind(*queue, *exchange, *key, nil); err != nil {
			logger.Fatal().Err(err).Msg("queue bind")
		}
	}

	logger.Info().Msg("publishing")
	props := amqp.BasicProperties{ContentType: "text/plain"}
	if err := ch.Publish(*exchange, *key, false, props, []byte(*body)); err != nil {
		logger.Fatal().Err(err).Msg("publish")
	}
	logger.Info().Str("exchange", *exchange).Str("key", *key).Msg("published")
}
