// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgeo-scada/opcpublisher/telemetry"
)

// Pipeline decouples notification producers from the hub transport. It owns
// the notification queue and a single consumer that shapes, batches and
// sends records.
//
// Records are batched into a JSON array bounded by the configured message
// size and flushed when the array is full or the send interval elapses.
// With both the message size and the send interval set to zero every record
// is sent on its own without array framing.
type Pipeline struct {
	queue   *Queue
	sender  Sender
	shaper  *telemetry.Shaper
	opts    *pipelineOptions
	metrics *Metrics
	logger  *slog.Logger
}

// NewPipeline creates a pipeline sending through sender. A nil shaper uses
// the default telemetry configuration.
func NewPipeline(sender Sender, shaper *telemetry.Shaper, opts ...Option) *Pipeline {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if shaper == nil {
		shaper = telemetry.NewShaper(nil)
	}

	return &Pipeline{
		queue:   NewQueue(o.queueCapacity, o.metrics, o.logger),
		sender:  sender,
		shaper:  shaper,
		opts:    o,
		metrics: o.metrics,
		logger:  o.logger,
	}
}

// Enqueue hands a notification to the pipeline without blocking. It
// returns false when the message was dropped because the queue is full.
func (p *Pipeline) Enqueue(m telemetry.Message) bool {
	if p.opts.shapeInCallback {
		m = p.shaper.Shape(m)
	}
	return p.queue.Enqueue(m)
}

// Metrics returns the pipeline metrics.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Queue returns the notification queue.
func (p *Pipeline) Queue() *Queue {
	return p.queue
}

// Close closes the underlying sender.
func (p *Pipeline) Close() error {
	return p.sender.Close()
}

// capacity returns the byte budget of a batched message.
func (p *Pipeline) capacity() int {
	if p.opts.messageSize > 0 {
		return p.opts.messageSize
	}
	return MaxMessageSize
}

// Run consumes the queue until ctx is done. On shutdown it stops waiting for
// new notifications, takes what is already queued and flushes the batch in
// progress before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.opts.sendInterval
	single := interval == 0 && p.opts.messageSize == 0
	b := newBatch(p.capacity())

	var next time.Time
	if interval > 0 {
		next = time.Now().Add(interval)
	}
	rearm := func() {
		if interval == 0 {
			return
		}
		now := time.Now()
		next = next.Add(interval)
		if !next.After(now) {
			p.metrics.MissedSendInterval.Inc()
			next = now.Add(interval)
		}
	}

	p.logger.Info("telemetry pipeline started",
		"send_interval", interval,
		"message_size", p.opts.messageSize,
		"single_message_send", single,
	)

	for {
		msg, got := p.queue.Dequeue(ctx, next)
		if !got {
			if ctx.Err() != nil {
				p.flush(ctx, b)
				p.logger.Info("telemetry pipeline stopped",
					"sent_messages", p.metrics.Sent.Value(),
					"failed_messages", p.metrics.Failed.Value(),
				)
				return nil
			}
			if interval > 0 && !time.Now().Before(next) {
				p.flush(ctx, b)
				rearm()
			}
			continue
		}

		rec, err := p.shaper.Encode(msg)
		if err != nil {
			p.logger.Warn("failed to encode telemetry record",
				"endpoint", msg.EndpointURL,
				"node", msg.NodeID,
				"error", err,
			)
			continue
		}
		p.metrics.Events.Inc()

		if single {
			if len(rec) > MaxMessageSize {
				p.dropTooLarge(msg, len(rec), MaxMessageSize)
				continue
			}
			p.send(ctx, rec, 1)
			continue
		}

		if !b.canHold(rec) {
			p.dropTooLarge(msg, len(rec), b.capacity)
			continue
		}
		if b.fits(rec) {
			b.add(rec)
			if interval > 0 && !time.Now().Before(next) {
				p.flush(ctx, b)
				rearm()
			}
			continue
		}

		// The record triggered the flush and opens the next batch.
		p.flush(ctx, b)
		rearm()
		b.add(rec)
	}
}

func (p *Pipeline) dropTooLarge(msg telemetry.Message, size, limit int) {
	p.metrics.TooLarge.Inc()
	p.logger.Error("telemetry record does not fit into a hub message, dropping it",
		"endpoint", msg.EndpointURL,
		"node", msg.NodeID,
		"size", size,
		"limit", limit,
	)
}

func (p *Pipeline) flush(ctx context.Context, b *batch) {
	if b.empty() {
		return
	}
	records := b.records
	body := b.close()
	b.reset()
	p.send(ctx, body, records)
}

func (p *Pipeline) send(ctx context.Context, body []byte, records int) {
	env := &Envelope{
		ID:              uuid.NewString(),
		ContentType:     ContentType,
		ContentEncoding: ContentEncoding,
		Records:         records,
		Body:            body,
	}
	if p.opts.compression != CompressionNone {
		compressed, err := p.opts.compression.Compress(body)
		if err != nil {
			p.logger.Warn("failed to compress hub message, sending it uncompressed", "error", err)
		} else {
			env.Body = compressed
			env.Compression = p.opts.compression.String()
		}
	}

	// The final flush runs after ctx is cancelled, so only the send timeout
	// bounds it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.sendTimeout)
	defer cancel()

	start := time.Now()
	if err := p.sender.Send(sendCtx, env); err != nil {
		p.metrics.Failed.Inc()
		p.logger.Warn("failed to send hub message",
			"id", env.ID,
			"bytes", len(env.Body),
			"records", records,
			"error", err,
		)
		return
	}
	p.metrics.SendLatency.Observe(time.Since(start))
	p.metrics.Sent.Inc()
	p.metrics.SentBytes.Add(int64(len(env.Body)))
	p.metrics.SentLast.Set(time.Now())
	p.logger.Debug("sent hub message",
		"id", env.ID,
		"bytes", len(env.Body),
		"records", records,
	)
}

// batch accumulates records into a JSON array. Every record is followed by a
// comma; closing the batch turns the trailing comma into the closing bracket.
type batch struct {
	buf      []byte
	capacity int
	records  int
}

func newBatch(capacity int) *batch {
	b := &batch{capacity: capacity, buf: make([]byte, 0, capacity)}
	b.reset()
	return b
}

func (b *batch) reset() {
	b.buf = append(b.buf[:0], '[')
	b.records = 0
}

func (b *batch) empty() bool {
	return b.records == 0
}

// canHold reports whether rec fits into an otherwise empty batch.
func (b *batch) canHold(rec []byte) bool {
	return len(rec)+2 <= b.capacity
}

func (b *batch) fits(rec []byte) bool {
	return len(b.buf)+len(rec)+1 <= b.capacity
}

func (b *batch) add(rec []byte) {
	b.buf = append(b.buf, rec...)
	b.buf = append(b.buf, ',')
	b.records++
}

func (b *batch) close() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	out[len(out)-1] = ']'
	return out
}
