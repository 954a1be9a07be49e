package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/models"
)

// PublishedEvent is one recorded publish call.
type PublishedEvent struct {
	Topic   string
	Payload any
}

// RecordingPublisher keeps every published event in order.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

var _ events.Publisher = (*RecordingPublisher)(nil)

func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	if _, err := json.Marshal(payload); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Topic: topic, Payload: payload})
	return nil
}

// On returns the payloads published on topic.
func (p *RecordingPublisher) On(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// FakeBank is a scripted bank channel. Submit answers from SubmitErrs first,
// then with Ack; FetchReports drains Reports.
type FakeBank struct {
	mu         sync.Mutex
	SubmitErrs []error
	Ack        models.SubmissionAck
	Reports    []*models.SettlementReport
	FetchErr   error
	Submitted  []string
	Documents  map[string][]byte
}

func NewFakeBank() *FakeBank {
	return &FakeBank{Ack: models.SubmissionAck{Accepted: true}, Documents: make(map[string][]byte)}
}

func (b *FakeBank) Submit(_ context.Context, messageID string, doc []byte) (*models.SubmissionAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Submitted = append(b.Submitted, messageID)
	if len(b.SubmitErrs) > 0 {
		err := b.SubmitErrs[0]
		b.SubmitErrs = b.SubmitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	b.Documents[messageID] = doc
	ack := b.Ack
	return &ack, nil
}

func (b *FakeBank) FetchReports(_ context.Context) ([]*models.SettlementReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FetchErr != nil {
		return nil, b.FetchErr
	}
	out := b.Reports
	b.Reports = nil
	return out, nil
}

// FakeAlerter records escalations that would be mailed to the operator.
type FakeAlerter struct {
	mu    sync.Mutex
	Sent  []*models.Escalation
	Error error
}

func (a *FakeAlerter) SendEscalation(_ context.Context, e *models.Escalation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sent = append(a.Sent, e)
	return a.Error
}

func (a *FakeAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Sent)
}
