package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Submitter applies one command and returns its receipt. *core.Sequencer
// implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// Loop turns raw NATS messages into typed commands and hands them to the
// sequencer. Messages are ACKed once parsed and queued, not once applied:
// a rejected command is final and redelivery would only be rejected again
// as a duplicate or an ordering error.
type Loop struct {
	router    *SubjectRouter
	submitter Submitter
	queueSize int
	logger    zerolog.Logger
}

func NewLoop(subjects []SubjectConfig, submitter Submitter, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Loop{
		router:    NewSubjectRouter(subjects),
		submitter: submitter,
		queueSize: queueSize,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Run blocks until ctx is cancelled or rawChan is closed.
func (l *Loop) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	typed := make(chan event.Event, l.queueSize)

	go func() {
		defer close(typed)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					return
				}
				evt, ok := l.parse(raw)
				if !ok {
					// Invalid payloads are ACKed so they don't loop on redelivery.
					raw.ack()
					continue
				}
				select {
				case typed <- evt:
					raw.ack()
				case <-ctx.Done():
					raw.nak()
					return
				}
			}
		}
	}()

	for evt := range typed {
		receipt, err := l.submitter.Submit(ctx, evt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn().
				Err(err).
				Str("event_type", evt.EventType().String()).
				Str("command_id", evt.IdempotencyKey()).
				Msg("command rejected")
			continue
		}
		l.logger.Debug().
			Int64("sequence", receipt.Sequence).
			Str("event_type", evt.EventType().String()).
			Msg("command applied")
	}
	return nil
}

func (l *Loop) parse(raw RawEvent) (event.Event, bool) {
	eventType := l.router.Resolve(raw.Subject)
	if eventType == "" {
		l.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		return nil, false
	}
	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse failed")
		return nil, false
	}
	return evt, true
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}
