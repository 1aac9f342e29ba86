package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"twofa-service/internal/bucketing"
	"twofa-service/internal/client"
	"twofa-service/internal/config"
	"twofa-service/internal/util"
)

const (
	recorderBuffer = 1024
	flushInterval  = 5 * time.Second
	flushBatchSize = 100
	sinkTimeout    = 10 * time.Second
)

const auditInsertQuery = `
	INSERT INTO security_events (
		event_id, event_type, flow_id, flow_kind, user_id, identity,
		source_ip, reason, attempt, event_bucket, date_bucket, occurred_at
	)`

// FanoutRecorder ships events to Kafka and Elasticsearch as they arrive and
// batches them into ClickHouse. When the buffer is full events are dropped
// with a warning rather than blocking the caller.
type FanoutRecorder struct {
	producer   *client.KafkaProducer
	es         *client.ESClient
	clickhouse *client.ClickHouseClient
	buckets    *bucketing.Manager
	cfg        *config.Config

	ch     chan *SecurityEvent
	done   chan struct{}
	closed sync.Once
}

func NewFanoutRecorder(
	cfg *config.Config,
	producer *client.KafkaProducer,
	es *client.ESClient,
	clickhouse *client.ClickHouseClient,
	buckets *bucketing.Manager,
) *FanoutRecorder {
	r := &FanoutRecorder{
		producer:   producer,
		es:         es,
		clickhouse: clickhouse,
		buckets:    buckets,
		cfg:        cfg,
		ch:         make(chan *SecurityEvent, recorderBuffer),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

var _ Recorder = (*FanoutRecorder)(nil)

// Record enqueues the event without blocking.
func (r *FanoutRecorder) Record(event *SecurityEvent) {
	event.EventBucket = r.buckets.EventBucket(event.Identity)
	event.DateBucket = r.buckets.DateBucket()

	select {
	case r.ch <- event:
	default:
		util.Warn("security event dropped, recorder buffer full",
			util.String("event_type", event.EventType))
	}
}

// Close flushes pending events and stops the worker.
func (r *FanoutRecorder) Close() {
	r.closed.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func (r *FanoutRecorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*SecurityEvent, 0, flushBatchSize)

	for {
		select {
		case event, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			r.ship(event)
			batch = append(batch, event)
			if len(batch) >= flushBatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// ship sends one event to Kafka and Elasticsearch.
func (r *FanoutRecorder) ship(event *SecurityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("failed to encode security event", util.ErrorField(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if r.producer != nil {
		err := r.producer.Produce(ctx, r.cfg.Kafka.SecurityEventsTopic,
			[]byte(event.Identity), payload,
			map[string]string{"event_type": event.EventType})
		if err != nil {
			util.Warn("failed to publish security event to kafka",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		}
	}

	if r.es != nil {
		res, err := r.es.IndexDocument(ctx, r.cfg.Elasticsearch.SecurityEventsIndex, event.EventID, event)
		if err != nil {
			util.Warn("failed to index security event",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		} else {
			res.Body.Close()
		}
	}
}

// flush batch-inserts events into the ClickHouse audit table.
func (r *FanoutRecorder) flush(batch []*SecurityEvent) {
	if r.clickhouse == nil || len(batch) == 0 {
		return
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.EventID, e.EventType, e.FlowID, e.FlowKind, e.UserID, e.Identity,
			e.SourceIP, e.Reason, e.Attempt, e.EventBucket, e.DateBucket, e.OccurredAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := r.clickhouse.BatchInsert(ctx, auditInsertQuery, rows); err != nil {
		util.Warn("failed to write audit batch",
			util.Int("rows", len(rows)),
			util.ErrorField(err))
	}
}
