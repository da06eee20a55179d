package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gabihodoroga/log-pipeline/model"
)

// eventLog records the order in which collaborators were called
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]*model.LogRecord
	saveErr error
	pingErr error
	closed  bool
	log     *eventLog
}

func (s *fakeSink) Save(ctx context.Context, records []*model.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add(fmt.Sprintf("save:%d", len(records)))
	if s.saveErr != nil {
		return s.saveErr
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *fakeSink) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("sink-close")
	s.closed = true
	return nil
}

func (s *fakeSink) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *fakeSink) getBatches() [][]*model.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*model.LogRecord(nil), s.batches...)
}

type fakeHandler struct {
	mu        sync.Mutex
	fn        model.DeliveryFunc
	started   chan struct{}
	startErr  error
	committed []*model.Delivery
	stopped   bool
	closed    bool
	log       *eventLog
}

func newFakeHandler(log *eventLog) *fakeHandler {
	return &fakeHandler{started: make(chan struct{}), log: log}
}

func (h *fakeHandler) Start(ctx context.Context, fn model.DeliveryFunc) error {
	if h.startErr != nil {
		return h.startErr
	}
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
	h.log.add("handler-start")
	close(h.started)
	return nil
}

func (h *fakeHandler) deliver(payloads ...[]byte) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	for _, p := range payloads {
		fn(context.Background(), &model.Delivery{ID: string(p), Data: p, ReceivedAt: time.Now()})
	}
}

func (h *fakeHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.add("handler-stop")
	h.stopped = true
	return nil
}

func (h *fakeHandler) Commit(ctx context.Context, deliveries []*model.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.add(fmt.Sprintf("commit:%d", len(deliveries)))
	h.committed = append(h.committed, deliveries...)
	return nil
}

func (h *fakeHandler) getCommitted() []*model.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*model.Delivery(nil), h.committed...)
}

func (h *fakeHandler) Stats(ctx context.Context) (model.HandlerStats, error) {
	return model.HandlerStats{}, nil
}

func (h *fakeHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.add("handler-close")
	h.closed = true
	return nil
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []*model.LogRecord
	publishErr error
}

func (p *fakePublisher) Publish(ctx context.Context, record *model.LogRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, record)
	return nil
}

func (p *fakePublisher) Ping(ctx context.Context) error { return nil }

func (p *fakePublisher) Close() error { return nil }

// payload returns the transport encoding of a record with message msg
func payload(msg string) []byte {
	b, _ := json.Marshal(&model.LogRecord{
		AppName:   "app1",
		Level:     model.LevelInfo,
		Message:   msg,
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	return b
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = payload(fmt.Sprintf("msg-%d", i))
	}
	return out
}

func messages(records []*model.LogRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

func expectedMessages(from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("msg-%d", i))
	}
	return out
}
