package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultReplayIdleTimeout = 2 * time.Second

// ReplayOptions задаёт окно DLQ и правила возврата сообщений.
type ReplayOptions struct {
	// SourceTopic — топик DLQ, по умолчанию TopicDeadLetterQueue.
	SourceTopic string
	// TargetTopic переопределяет топик назначения; пустой — исходный топик письма.
	TargetTopic string
	// OnlyTopic пропускает письма, упавшие не на этом топике.
	OnlyTopic string
	// Limit — сколько писем просмотреть за запуск во всех партициях.
	Limit int
	// FromNewest берёт последние Limit писем каждой партиции вместо самых старых.
	FromNewest bool
	// IdleTimeout завершает чтение партиции, если новых сообщений нет.
	IdleTimeout time.Duration
	// Execute публикует письма; без него выполняется dry-run.
	Execute bool
}

// ReplayReport — итог прохода по DLQ.
type ReplayReport struct {
	Scanned  int
	Replayed int
	Skipped  int
}

// DeadLetterLog — чтение DLQ по партициям. saramaDeadLetterLog реализует его поверх sarama.Client.
type DeadLetterLog interface {
	Partitions(topic string) ([]int32, error)
	Window(topic string, partition int32) (oldest, newest int64, err error)
	Open(topic string, partition int32, offset int64) (DeadLetterStream, error)
	Close() error
}

// DeadLetterStream — поток сообщений одной партиции DLQ.
type DeadLetterStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type saramaDeadLetterLog struct {
	client   sarama.Client
	consumer sarama.Consumer
}

// OpenDeadLetterLog подключается к брокерам для чтения DLQ.
func OpenDeadLetterLog(brokers []string) (DeadLetterLog, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return &saramaDeadLetterLog{client: client, consumer: consumer}, nil
}

func (l *saramaDeadLetterLog) Partitions(topic string) ([]int32, error) {
	return l.client.Partitions(topic)
}

func (l *saramaDeadLetterLog) Window(topic string, partition int32) (int64, int64, error) {
	oldest, err := l.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, err
	}
	newest, err := l.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, err
	}
	return oldest, newest, nil
}

func (l *saramaDeadLetterLog) Open(topic string, partition int32, offset int64) (DeadLetterStream, error) {
	return l.consumer.ConsumePartition(topic, partition, offset)
}

func (l *saramaDeadLetterLog) Close() error {
	return errors.Join(l.consumer.Close(), l.client.Close())
}

// DeadLetterReplayer возвращает письма из DLQ в исходные топики.
// Счётчик повторов в заголовке обнуляется: консьюмер снова получает полный бюджет попыток.
type DeadLetterReplayer struct {
	dlq      DeadLetterLog
	producer *Producer
	logger   *log.Entry
}

// NewDeadLetterReplayer создаёт replayer. producer может быть nil для dry-run.
func NewDeadLetterReplayer(dlq DeadLetterLog, producer *Producer, logger *log.Entry) *DeadLetterReplayer {
	if logger == nil {
		logger = log.WithField("component", "dlq-replay")
	}
	return &DeadLetterReplayer{dlq: dlq, producer: producer, logger: logger}
}

// Replay просматривает до opts.Limit писем, партиции по возрастанию номера.
func (r *DeadLetterReplayer) Replay(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	var report ReplayReport
	if opts.SourceTopic == "" {
		opts.SourceTopic = TopicDeadLetterQueue
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultReplayIdleTimeout
	}
	if opts.Limit <= 0 {
		return report, fmt.Errorf("replay limit must be positive")
	}
	if opts.Execute && r.producer == nil {
		return report, fmt.Errorf("producer is required to execute replay")
	}

	partitions, err := r.dlq.Partitions(opts.SourceTopic)
	if err != nil {
		return report, fmt.Errorf("list partitions of %s: %w", opts.SourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if report.Scanned >= opts.Limit {
			break
		}
		if err := r.replayPartition(ctx, opts, partition, &report); err != nil {
			return report, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":  opts.Execute,
		"scanned":  report.Scanned,
		"replayed": report.Replayed,
		"skipped":  report.Skipped,
	}).Info("dlq replay finished")
	return report, nil
}

func (r *DeadLetterReplayer) replayPartition(ctx context.Context, opts ReplayOptions, partition int32, report *ReplayReport) error {
	oldest, newest, err := r.dlq.Window(opts.SourceTopic, partition)
	if err != nil {
		return fmt.Errorf("read offsets of partition %d: %w", partition, err)
	}
	budget := int64(opts.Limit - report.Scanned)
	if newest <= oldest || budget <= 0 {
		return nil
	}

	from := oldest
	if opts.FromNewest && newest-budget > oldest {
		from = newest - budget
	}

	stream, err := r.dlq.Open(opts.SourceTopic, partition, from)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	for report.Scanned < opts.Limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr, ok := <-stream.Errors():
			if ok && cerr != nil {
				return fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(opts.IdleTimeout)

			report.Scanned++
			replayed, err := r.replayOne(msg, opts)
			if err != nil {
				return err
			}
			if replayed {
				report.Replayed++
			} else {
				report.Skipped++
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

// replayOne возвращает false для пропущенного письма; ошибка означает сбой публикации.
func (r *DeadLetterReplayer) replayOne(msg *sarama.ConsumerMessage, opts ReplayOptions) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	dl, err := ParseDeadLetter(msg)
	if err != nil {
		logger.WithError(err).Warn("skip unreadable dead letter")
		return false, nil
	}
	topic, ok := replayTarget(dl, opts)
	if !ok {
		return false, nil
	}
	if dl.OriginalValue == "" {
		logger.WithField("original_topic", dl.OriginalTopic).Warn("skip dead letter with empty payload")
		return false, nil
	}

	logger = logger.WithFields(log.Fields{"target_topic": topic, "key": dl.OriginalKey})
	if !opts.Execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}
	if err := r.producer.PublishRaw(topic, dl.OriginalKey, []byte(dl.OriginalValue),
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte("0")}); err != nil {
		return false, fmt.Errorf("replay offset %d of partition %d: %w", msg.Offset, msg.Partition, err)
	}
	logger.Debug("dead letter replayed")
	return true, nil
}

func replayTarget(dl *DeadLetter, opts ReplayOptions) (string, bool) {
	if opts.OnlyTopic != "" && dl.OriginalTopic != opts.OnlyTopic {
		return "", false
	}
	if target := strings.TrimSpace(opts.TargetTopic); target != "" {
		return target, true
	}
	return dl.OriginalTopic, true
}
