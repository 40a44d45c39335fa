package store

import (
	"context"
	stdErrors "errors"
	"sort"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

// maxTopicLen is the longest topic name Kafka accepts.
const maxTopicLen = 249

type kafkaSubscription struct {
	channel string
	pc      sarama.PartitionConsumer
	done    chan struct{}
}

// Kafka implements PubSub on Kafka topics. Every channel maps to a topic (see
// TopicName) and is consumed from partition 0 starting at the newest offset,
// so only messages published after Subscribe are seen. Like NATS, Channels
// reports this process's subscriptions only.
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu      sync.Mutex
	subs    map[string]*kafkaSubscription
	handler Handler
}

// NewKafka connects to brokers and returns a Kafka PubSub.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, classifyKafka("connect", "", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, classifyKafka("connect", "", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, classifyKafka("connect", "", err)
	}
	return &Kafka{
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

func classifyKafka(op, key string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, sarama.ErrClosedClient), stdErrors.Is(err, sarama.ErrShuttingDown):
		return presenceerrors.Unavailable(op, key, presenceerrors.ErrConnectionClosed)
	case stdErrors.Is(err, sarama.ErrOutOfBrokers), stdErrors.Is(err, sarama.ErrNotConnected):
		return presenceerrors.Unavailable(op, key, err)
	default:
		var kerr sarama.KError
		if stdErrors.As(err, &kerr) {
			return presenceerrors.NewStoreError(op, key, err)
		}
		return presenceerrors.Unavailable(op, key, err)
	}
}

// TopicName maps channel onto the topic alphabet [a-zA-Z0-9._-]. Bytes outside
// it, and '_' itself, are written as '_' and two hex digits, so distinct
// channels never share a topic. The reserved names "." and ".." are encoded
// the same way. Empty channels and channels whose topic would exceed Kafka's
// length limit fail with ErrInvalidChannel.
func TopicName(channel string) (string, error) {
	if channel == "" {
		return "", presenceerrors.ErrInvalidChannel
	}
	const hex = "0123456789abcdef"
	reserved := channel == "." || channel == ".."
	var b strings.Builder
	b.Grow(len(channel))
	for i := 0; i < len(channel); i++ {
		c := channel[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-',
			c == '.' && !reserved:
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	if b.Len() > maxTopicLen {
		return "", presenceerrors.ErrInvalidChannel
	}
	return b.String(), nil
}

// SetHandler implements PubSub.SetHandler.
func (k *Kafka) SetHandler(h Handler) {
	k.mu.Lock()
	k.handler = h
	k.mu.Unlock()
}

// Subscribe implements PubSub.Subscribe.
func (k *Kafka) Subscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.subs[channel]; ok {
		return nil
	}
	topic, err := TopicName(channel)
	if err != nil {
		return presenceerrors.NewStoreError("subscribe", channel, err)
	}
	pc, err := k.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return classifyKafka("subscribe", channel, err)
	}
	sub := &kafkaSubscription{channel: channel, pc: pc, done: make(chan struct{})}
	k.subs[channel] = sub
	go k.dispatch(sub)
	return nil
}

func (k *Kafka) dispatch(sub *kafkaSubscription) {
	defer close(sub.done)
	for msg := range sub.pc.Messages() {
		k.mu.Lock()
		h := k.handler
		k.mu.Unlock()
		if h != nil {
			h(sub.channel, string(msg.Value))
		}
	}
}

// Unsubscribe implements PubSub.Unsubscribe.
func (k *Kafka) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	sub, ok := k.subs[channel]
	if !ok {
		k.mu.Unlock()
		return nil
	}
	delete(k.subs, channel)
	k.mu.Unlock()
	if err := sub.pc.Close(); err != nil {
		return classifyKafka("unsubscribe", channel, err)
	}
	return nil
}

// Publish implements PubSub.Publish.
func (k *Kafka) Publish(ctx context.Context, channel, payload string) (int64, error) {
	topic, err := TopicName(channel)
	if err != nil {
		return 0, presenceerrors.NewStoreError("publish", channel, err)
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.StringEncoder(payload)}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return 0, classifyKafka("publish", channel, err)
	}
	return 0, nil
}

// Channels implements PubSub.Channels with the topics consumed by this process.
func (k *Kafka) Channels(ctx context.Context, pattern string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for ch := range k.subs {
		if matchChannel(pattern, ch) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close stops every consumer and closes the Kafka client.
func (k *Kafka) Close() error {
	k.mu.Lock()
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pc.Close()
		<-sub.done
	}
	_ = k.producer.Close()
	_ = k.consumer.Close()
	return k.client.Close()
}
