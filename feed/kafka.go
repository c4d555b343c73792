package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka consumes relayed chat messages. Values are either a JSON envelope
// ({"id","author","channel","text","time"}) or the bare message text.
type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
	Filter  Filter
	Log     *zap.Logger
}

func (k *Kafka) Run(ctx context.Context, handle func(Message)) error {
	if len(k.Brokers) == 0 || k.Topic == "" {
		return errors.New("kafka: brokers and topic are required")
	}
	log := k.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		GroupID:  k.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer r.Close()

	for {
		km, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: read: %w", err)
		}
		m, err := fromKafka(km)
		if err != nil {
			log.Warn("bad message", zap.Int64("offset", km.Offset), zap.Error(err))
			continue
		}
		if k.Filter.Allow(m) {
			handle(m)
		}
	}
}

type envelope struct {
	ID      string    `json:"id"`
	Author  string    `json:"author"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

func fromKafka(km kafka.Message) (Message, error) {
	m := Message{Time: km.Time}
	if len(km.Value) > 0 && km.Value[0] == '{' {
		var env envelope
		if err := json.Unmarshal(km.Value, &env); err != nil {
			return Message{}, err
		}
		m.ID, m.Author, m.Channel, m.Text = env.ID, env.Author, env.Channel, env.Text
		if !env.Time.IsZero() {
			m.Time = env.Time
		}
	} else {
		m.Text = string(km.Value)
	}
	if m.Text == "" {
		return Message{}, errors.New("empty message")
	}
	if m.ID == "" {
		if len(km.Key) > 0 {
			m.ID = string(km.Key)
		} else {
			m.ID = km.Topic + "/" + strconv.Itoa(km.Partition) + "/" + strconv.FormatInt(km.Offset, 10)
		}
	}
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	return m, nil
}
