// Package publisher implements the session.Publisher collaborator:
// events a device publishes are pushed to a Kafka topic so every
// gateway process sees them, and fanned out in-process to whichever
// local sessions are subscribed, the way the teacher's own pub/sub
// collaborators layer a durable broker under a local broadcast.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	broadcast "github.com/dustin/go-broadcast"
	"github.com/google/uuid"

	"devicegateway/internal/logging"
	"devicegateway/internal/ratelimit"
	"devicegateway/internal/session"
)

// wireEvent is the JSON envelope events travel in over Kafka.
type wireEvent struct {
	Name        string    `json:"name"`
	IsPublic    bool      `json:"public"`
	TTL         int       `json:"ttl"`
	Data        []byte    `json:"data"`
	PublisherID string    `json:"publisher_id"`
	PublishedAt time.Time `json:"published_at"`
	DeviceID    string    `json:"device_id"`
}

// Config names the Kafka backplane the Publisher runs on.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 3
	return cfg
}

func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	return cfg
}

// Publisher is the concrete session.Publisher backed by Kafka.
type Publisher struct {
	cfg      Config
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	local    broadcast.Broadcaster
	limiter  *ratelimit.Limiter
	log      *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New dials the Kafka brokers and starts the consumer group goroutine
// that feeds locally-subscribed sessions.
func New(cfg Config, log *logging.Logger) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("publisher: producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, consumerConfig())
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("publisher: consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:      cfg,
		producer: producer,
		group:    group,
		local:    broadcast.NewBroadcaster(64),
		limiter:  ratelimit.New(4, 8),
		log:      log,
		cancel:   cancel,
	}

	p.wg.Add(1)
	go p.consumeLoop(ctx)
	return p, nil
}

func (p *Publisher) consumeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if err := p.group.Consume(ctx, []string{p.cfg.Topic}, &groupHandler{local: p.local, log: p.log}); err != nil {
			p.log.Error.Printf("consumer group error: %v", err)
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// groupHandler adapts sarama's claim-consuming interface to the
// local broadcaster, decoding each Kafka record back into a
// wireEvent before fanning it out.
type groupHandler struct {
	local broadcast.Broadcaster
	log   *logging.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var ev wireEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			h.log.Error.Printf("malformed event on topic: %v", err)
			sess.MarkMessage(msg, "")
			continue
		}
		h.local.Submit(ev)
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Publish rate-limits deviceID, then pushes the event onto the Kafka
// topic; consumeLoop will fan it back out to every subscribed session
// on every gateway instance, including this one.
func (p *Publisher) Publish(isPublic bool, name, userID string, data []byte, ttl int, publishedAt time.Time, deviceID string) bool {
	if !p.limiter.Allow(deviceID) {
		return false
	}

	ev := wireEvent{
		Name:        name,
		IsPublic:    isPublic,
		TTL:         ttl,
		Data:        data,
		PublisherID: userID,
		PublishedAt: publishedAt,
		DeviceID:    deviceID,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.log.Error.Printf("encode event: %v", err)
		return false
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.cfg.Topic,
		Key:   sarama.StringEncoder(name),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		p.log.Error.Printf("publish event %q: %v", name, err)
		return false
	}
	return true
}

// Subscribe registers subscriber against name, matching public events
// by bare name and private events additionally scoped to userID (the
// "my devices" subscription per spec.md §4.7). The returned cancel
// func unregisters the listener and stops its goroutine.
func (p *Publisher) Subscribe(name, userID, deviceIDFilter string, subscriber session.Subscriber) func() {
	listener := make(chan interface{}, 16)
	id := uuid.New().String()
	p.local.Register(listener)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case raw, ok := <-listener:
				if !ok {
					return
				}
				ev, ok := raw.(wireEvent)
				if !ok {
					continue
				}
				if !matches(ev, name, userID) {
					continue
				}
				subscriber.Deliver(session.PublishedEvent{
					Name:        ev.Name,
					IsPublic:    ev.IsPublic,
					TTL:         ev.TTL,
					Data:        ev.Data,
					PublisherID: ev.PublisherID,
					PublishedAt: ev.PublishedAt,
				})
			case <-done:
				return
			}
		}
	}()

	p.log.Debug.Printf("subscription %s registered for %q", id, name)
	return func() {
		close(done)
		p.local.Unregister(listener)
	}
}

// matches implements the event-name prefix match the device protocol
// uses: a subscription to "temp" matches events named "temp" and
// "temp/inside", and a private subscription only matches events
// published by the same user.
func matches(ev wireEvent, subscribedName, userID string) bool {
	if !ev.IsPublic && ev.PublisherID != userID {
		return false
	}
	return ev.Name == subscribedName || strings.HasPrefix(ev.Name, subscribedName+"/")
}

// Close releases the Kafka producer and consumer group.
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	if err := p.group.Close(); err != nil {
		return err
	}
	return p.producer.Close()
}
