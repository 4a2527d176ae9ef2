package ingestion

import (
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and forwards raw
// commands to the ingestion loop.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message as received, before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the command is queued for the core
	NakFunc   func() // NAK for redelivery
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per command type. The trailing token
// is free for producers (typically the owner), so a consumer can be
// scaled by subject filter.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cdp.positions.open.>", EventType: "OpenPosition", ConsumerName: "ledger-pos-open", StreamName: "CDP_POSITIONS"},
		{Subject: "cdp.positions.collateral.>", EventType: "AdjustCollateral", ConsumerName: "ledger-pos-collateral", StreamName: "CDP_POSITIONS"},
		{Subject: "cdp.positions.debt.>", EventType: "AdjustDebt", ConsumerName: "ledger-pos-debt", StreamName: "CDP_POSITIONS"},
		{Subject: "cdp.positions.close.>", EventType: "ClosePosition", ConsumerName: "ledger-pos-close", StreamName: "CDP_POSITIONS"},
		{Subject: "cdp.pool.stake.>", EventType: "Stake", ConsumerName: "ledger-pool-stake", StreamName: "CDP_POOL"},
		{Subject: "cdp.pool.unstake.>", EventType: "Unstake", ConsumerName: "ledger-pool-unstake", StreamName: "CDP_POOL"},
		{Subject: "cdp.pool.gains.>", EventType: "WithdrawGains", ConsumerName: "ledger-pool-gains", StreamName: "CDP_POOL"},
		{Subject: "cdp.liquidations.single.>", EventType: "Liquidate", ConsumerName: "ledger-liq-single", StreamName: "CDP_LIQUIDATIONS"},
		{Subject: "cdp.liquidations.batch.>", EventType: "LiquidateBatch", ConsumerName: "ledger-liq-batch", StreamName: "CDP_LIQUIDATIONS"},
		{Subject: "cdp.redemptions.>", EventType: "Redeem", ConsumerName: "ledger-redeem", StreamName: "CDP_REDEMPTIONS"},
		{Subject: "cdp.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "CDP_PRICES"},
		{Subject: "cdp.funds.deposited.>", EventType: "FundsDeposited", ConsumerName: "ledger-funds-in", StreamName: "CDP_FUNDS"},
		{Subject: "cdp.funds.withdrawn.>", EventType: "FundsWithdrawn", ConsumerName: "ledger-funds-out", StreamName: "CDP_FUNDS"},
		{Subject: "cdp.funds.transfer.>", EventType: "TransferFunds", ConsumerName: "ledger-funds-transfer", StreamName: "CDP_FUNDS"},
	}
}

// SubjectRouter resolves a concrete subject to its command type by longest
// configured prefix.
type SubjectRouter struct {
	prefixes map[string]string
}

func NewSubjectRouter(subjects []SubjectConfig) *SubjectRouter {
	r := &SubjectRouter{prefixes: make(map[string]string, len(subjects))}
	for _, cfg := range subjects {
		r.prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return r
}

// Resolve returns "" when no configured subject matches.
func (r *SubjectRouter) Resolve(subject string) string {
	bestMatch, bestType := "", ""
	for prefix, evtType := range r.prefixes {
		if subject != prefix && !strings.HasPrefix(subject, prefix+".") {
			continue
		}
		if len(prefix) > len(bestMatch) {
			bestMatch, bestType = prefix, evtType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-subscriber")

	streams := map[string]struct{}{}
	for _, cfg := range DefaultSubjects() {
		streams[cfg.StreamName] = struct{}{}
	}
	subjectsFor := func(stream string) []string {
		var out []string
		for _, cfg := range DefaultSubjects() {
			if cfg.StreamName == stream {
				out = append(out, cfg.Subject)
			}
		}
		return out
	}

	for name := range streams {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  subjectsFor(name),
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
