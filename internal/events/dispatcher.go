// Package events publishes room lifecycle events to Kafka. Publishing is
// best-effort: a bounded queue absorbs broker hiccups and events are dropped
// rather than stalling the registry.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/blamouche/gpx-collaboration/internal/room"
)

var ErrClosed = errors.New("dispatcher closed")

const enqueueTimeout = 50 * time.Millisecond

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Dispatcher sends lifecycle events through a sync producer from a pool of
// workers, retrying with exponential backoff.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opt      Options
	log      zerolog.Logger

	mu     sync.RWMutex
	queue  chan room.Event
	closed bool
	wg     sync.WaitGroup
}

// NewProducer builds the sync producer used in production.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options, log zerolog.Logger) *Dispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		log:      log.With().Str("module", "events").Logger(),
		queue:    make(chan room.Event, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue waits for queue space until ctx is done.
func (d *Dispatcher) Enqueue(ctx context.Context, ev room.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleRoomEvent subscribes the dispatcher to registry lifecycle events.
func (d *Dispatcher) HandleRoomEvent(ev room.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("room", ev.RoomID).Str("type", string(ev.Type)).Msg("lifecycle event dropped")
	}
}

// Close drains the queue and closes the producer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.producer.Close()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for ev := range d.queue {
		d.sendWithRetry(workerID, ev)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, ev room.Event) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		err := d.sendOnce(ev)
		if err == nil {
			return
		}

		if attempt == d.opt.MaxRetry {
			d.log.Error().Err(err).
				Str("room", ev.RoomID).
				Str("type", string(ev.Type)).
				Int("worker", workerID).
				Msg("kafka send failed, event dropped")
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(ev room.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(ev.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
