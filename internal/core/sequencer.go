package core

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"errors"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

type submission struct {
	evt   event.Event
	read  func(*DeterministicCore)
	reply chan submitResult
}

type submitResult struct {
	receipt *Receipt
	err     error
}

// Sequencer is the only goroutine that touches the core. Ingestion paths,
// the query service and the snapshot loop all go through it, so commands
// apply in arrival order and reads never see a half-applied command.
type Sequencer struct {
	core    *DeterministicCore
	queue   chan submission
	done    chan struct{}
	metrics *observability.Metrics
}

func NewSequencer(core *DeterministicCore, queueSize int, metrics *observability.Metrics) *Sequencer {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Sequencer{
		core:    core,
		queue:   make(chan submission, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// Run drains the queue until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub := <-s.queue:
			if s.metrics != nil {
				s.metrics.CoreQueueDepth.Set(float64(len(s.queue)))
			}
			if sub.read != nil {
				sub.read(s.core)
				sub.reply <- submitResult{}
				continue
			}
			receipt, err := s.core.ProcessEvent(sub.evt)
			sub.reply <- submitResult{receipt: receipt, err: err}
		}
	}
}

// Submit queues a command and waits for its receipt.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event) (*Receipt, error) {
	res, err := s.enqueue(ctx, submission{evt: evt, reply: make(chan submitResult, 1)})
	if err != nil {
		return nil, err
	}
	return res.receipt, res.err
}

// Read runs fn on the sequencer goroutine between two commands.
func (s *Sequencer) Read(ctx context.Context, fn func(*DeterministicCore)) error {
	_, err := s.enqueue(ctx, submission{read: fn, reply: make(chan submitResult, 1)})
	return err
}

func (s *Sequencer) enqueue(ctx context.Context, sub submission) (submitResult, error) {
	select {
	case s.queue <- sub:
	case <-s.done:
		return submitResult{}, ErrSequencerStopped
	case <-ctx.Done():
		return submitResult{}, ctx.Err()
	}

	select {
	case res := <-sub.reply:
		return res, nil
	case <-s.done:
		return submitResult{}, ErrSequencerStopped
	case <-ctx.Done():
		// The command may still apply; its receipt is dropped.
		return submitResult{}, ctx.Err()
	}
}
