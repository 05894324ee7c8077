package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/sugawarayuuta/sonnet"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSender publishes alerts as JSON messages keyed by run id.
type KafkaSender struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaSender(brokersCSV, topic string) (*KafkaSender, error) {
	brokers := SplitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaSender{writer: w, timeout: 3 * time.Second}, nil
}

func (k *KafkaSender) Name() string { return "kafka" }

func (k *KafkaSender) Close() error { return k.writer.Close() }

func (k *KafkaSender) Send(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	b, err := sonnet.Marshal(a)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	return k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(a.RunID),
		Value: b,
		Time:  a.Time,
	})
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
