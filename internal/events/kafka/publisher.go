// Package kafka publishes collection and eviction events to a Kafka topic.
//
// Events are informational. Producing is asynchronous and a failed produce
// is logged and counted, never reported back to the collector or evictor.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/heapd/internal/eviction"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/objectmanager"
)

// Event types.
const (
	TypeDeleteStarting      = "gc.delete_starting"
	TypeCollectionCompleted = "gc.collection_completed"
	TypeGarbageCollected    = "gc.garbage_collected"
	TypeEvictionCompleted   = "eviction.completed"
)

// Event is the JSON value of every published record. Exactly one of GC and
// Eviction is set.
type Event struct {
	Type     string                 `json:"type"`
	NodeID   string                 `json:"nodeId"`
	Time     time.Time              `json:"time"`
	GC       *objectmanager.GCStats `json:"gc,omitempty"`
	Eviction *eviction.Result       `json:"eviction,omitempty"`
}

// producer is the subset of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Config configures a Publisher.
type Config struct {
	Brokers []string
	Topic   string

	// Partitions and ReplicationFactor are used when the topic has to be
	// created.
	// Default: 1
	Partitions        int32
	ReplicationFactor int16

	NodeID string
	Logger *logging.Logger
}

// Publisher produces Events. It implements gc.InfoPublisher,
// objectmanager.EventListener and eviction.Listener.
type Publisher struct {
	client producer
	topic  string
	nodeID string
	logger *logging.Logger
	now    func() time.Time

	produced atomic.Int64
	failed   atomic.Int64
}

// NewPublisher connects to the brokers and makes sure the topic exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.ClientID("heapd"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	if err := EnsureTopic(ctx, kadm.NewClient(client), cfg.Topic, cfg.Partitions, cfg.ReplicationFactor); err != nil {
		client.Close()
		return nil, err
	}
	return newPublisher(client, cfg), nil
}

func newPublisher(client producer, cfg Config) *Publisher {
	return &Publisher{
		client: client,
		topic:  cfg.Topic,
		nodeID: cfg.NodeID,
		logger: logging.OrGlobal(cfg.Logger).WithComponent("events"),
		now:    time.Now,
	}
}

// topicCreator is the subset of *kadm.Client EnsureTopic uses.
type topicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// EnsureTopic creates topic unless it already exists.
func EnsureTopic(ctx context.Context, adm topicCreator, topic string, partitions int32, replicationFactor int16) error {
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// DeleteStarting publishes the candidate count of a cycle about to delete.
func (p *Publisher) DeleteStarting(ctx context.Context, stats objectmanager.GCStats) {
	p.publish(ctx, TypeDeleteStarting, stats.CorrelationID, Event{GC: &stats})
}

// CollectionCompleted publishes the outcome of a cycle.
func (p *Publisher) CollectionCompleted(ctx context.Context, stats objectmanager.GCStats) {
	p.publish(ctx, TypeCollectionCompleted, stats.CorrelationID, Event{GC: &stats})
}

// GarbageCollectionComplete publishes the object manager's view of a
// finished cycle, after garbage has been deleted.
func (p *Publisher) GarbageCollectionComplete(ctx context.Context, stats objectmanager.GCStats) {
	p.publish(ctx, TypeGarbageCollected, stats.CorrelationID, Event{GC: &stats})
}

// EvictionCompleted publishes the outcome of a map eviction run.
func (p *Publisher) EvictionCompleted(ctx context.Context, result eviction.Result) {
	p.publish(ctx, TypeEvictionCompleted, result.MapID.String(), Event{Eviction: &result})
}

func (p *Publisher) publish(ctx context.Context, typ, key string, ev Event) {
	ev.Type = typ
	ev.NodeID = p.nodeID
	ev.Time = p.now().UTC()
	value, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		p.logger.Errorf("failed to encode event", map[string]any{"type": typ, "error": err.Error()})
		return
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(typ)},
		},
	}
	// The record outlives the caller's context.
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			p.logger.Warnf("failed to publish event", map[string]any{
				"type":  typ,
				"topic": r.Topic,
				"error": err.Error(),
			})
			return
		}
		p.produced.Add(1)
	})
}

// Produced returns the number of events acknowledged by the brokers.
func (p *Publisher) Produced() int64 { return p.produced.Load() }

// Failed returns the number of events that could not be published.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// Close flushes buffered events and closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}
