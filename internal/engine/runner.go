package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Agent is a unit of poll-driven work. Poll performs a bounded slice of work
// and reports how much it did; zero lets the runner back off.
type Agent interface {
	Poll(nowMS int64) int
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(nowMS int64) int

// Poll calls f.
func (f AgentFunc) Poll(nowMS int64) int { return f(nowMS) }

const (
	minIdleSleep = 50 * time.Microsecond
	maxIdleSleep = 4 * time.Millisecond
)

// Runner drives one agent on a dedicated goroutine. Busy agents are polled
// back to back; an idle agent is slept in doubling steps so a quiet gateway
// does not spin a core.
type Runner struct {
	name  string
	agent Agent
	log   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner wraps an agent. Start must be called before Stop.
func NewRunner(name string, agent Agent, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{name: name, agent: agent, log: log}
}

// Start launches the poll loop. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.log.Info("agent starting", zap.String("agent", r.name))
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	idle := minIdleSleep
	for {
		select {
		case <-ctx.Done():
			r.log.Info("agent stopped", zap.String("agent", r.name))
			return
		default:
		}

		if work := r.agent.Poll(time.Now().UnixMilli()); work > 0 {
			idle = minIdleSleep
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("agent stopped", zap.String("agent", r.name))
			return
		case <-time.After(idle):
		}
		if idle *= 2; idle > maxIdleSleep {
			idle = maxIdleSleep
		}
	}
}

// Stop cancels the loop and waits for the goroutine to exit. Stopping a
// runner that never started is a no-op.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
