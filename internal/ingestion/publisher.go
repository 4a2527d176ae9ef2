package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	outboundStream        = "CDP_LEDGER_EVENTS"
	outboundSubjectPrefix = "cdp.ledger.events"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Subjects follow cdp.ledger.events.{event_type}[.{subject}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an applied command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Subject        string    `json:"subject,omitempty"`
	Receipt        any       `json:"receipt"`
	StateHash      string    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publishable converts an applied command for outbound publishing.
func Publishable(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Subject:        env.Subject,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Receipt != nil {
		evt.Receipt = out.Receipt
	}
	return evt
}

// Tee forwards every output from in to persist, blocking, and a copy to
// publish when it has room. Both outputs are closed once in is drained so
// the workers behind them can flush. Either output may be nil.
func Tee(ctx context.Context, in <-chan core.CoreOutput, persist chan<- core.CoreOutput, publish chan<- PublishableEvent, metrics *observability.Metrics) {
	if persist != nil {
		defer close(persist)
	}
	if publish != nil {
		defer close(publish)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			if persist != nil {
				select {
				case persist <- out:
				case <-ctx.Done():
					return
				}
			}
			if publish == nil {
				continue
			}
			select {
			case publish <- Publishable(out):
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, OutboundSubject(evt.EventType, evt.Subject), data)
	return err
}

// OutboundSubject builds the publish subject. Characters NATS reserves for
// token separators and wildcards are replaced in the owner token.
func OutboundSubject(eventType, subject string) string {
	s := outboundSubjectPrefix + "." + eventType
	if subject == "" {
		return s
	}
	return s + "." + subjectToken.Replace(subject)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      outboundStream,
		Subjects:  []string{outboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
