package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

const brokersEnv = "FULFILLMENT_KAFKA_BROKERS"

type config struct {
	brokers []string
	opts    kafka.ReplayOptions
}

// openReplayer подключается к Kafka; producer создаётся только в режиме execute.
var openReplayer = func(cfg config) (*kafka.DeadLetterReplayer, func(), error) {
	dlq, err := kafka.OpenDeadLetterLog(cfg.brokers)
	if err != nil {
		return nil, nil, err
	}

	var producer *kafka.Producer
	if cfg.opts.Execute {
		producer, err = kafka.NewProducer(cfg.brokers, "dlq-reprocess")
		if err != nil {
			_ = dlq.Close()
			return nil, nil, err
		}
	}

	closeAll := func() {
		if producer != nil {
			_ = producer.Close()
		}
		_ = dlq.Close()
	}
	return kafka.NewDeadLetterReplayer(dlq, producer, nil), closeAll, nil
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+brokersEnv+")")
	flag.StringVar(&cfg.opts.SourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.opts.TargetTopic, "target-topic", "", "override target topic (default: original topic of each message)")
	flag.StringVar(&cfg.opts.OnlyTopic, "only-topic", "", "replay only messages that failed on this topic")
	flag.IntVar(&cfg.opts.Limit, "limit", 100, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.opts.Execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.opts.FromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.opts.IdleTimeout, "idle-timeout", 2*time.Second, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv(brokersEnv)
	}
	cfg.brokers = parseBrokers(brokersRaw)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv)
	case strings.TrimSpace(cfg.opts.SourceTopic) == "":
		return config{}, fmt.Errorf("source-topic is required")
	case cfg.opts.Limit <= 0:
		return config{}, fmt.Errorf("limit must be > 0")
	case cfg.opts.IdleTimeout <= 0:
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.opts.SourceTopic,
		"target_topic": cfg.opts.TargetTopic,
		"only_topic":   cfg.opts.OnlyTopic,
		"limit":        cfg.opts.Limit,
		"execute":      cfg.opts.Execute,
	}).Info("starting dlq replay")

	replayer, closeAll, err := openReplayer(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	_, err = replayer.Replay(ctx, cfg.opts)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
