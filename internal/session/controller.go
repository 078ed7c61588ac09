// Package session drives one game at a time through
// idle -> countingDown -> playing -> ended.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/metrics"
	"github.com/flare-foundation/flappy-fuse/internal/queue"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle         State = "idle"
	StateCountingDown State = "countingDown"
	StatePlaying      State = "playing"
	StateEnded        State = "ended"
)

type EndReason string

const (
	ReasonCollision   EndReason = "collision"
	ReasonOutOfBounds EndReason = "outOfBounds"
	ReasonQuit        EndReason = "quit"
)

var (
	ErrNoIdentity   = errors.New("no player identity")
	ErrInvalidState = errors.New("operation not allowed in current state")
)

type Gateway interface {
	StartSession(ctx context.Context, player common.Address) (*ledger.StartResult, error)
	EndSession(ctx context.Context, player common.Address, gameID, finalScore, totalJumps uint64, jumps []ledger.Jump) (*ledger.EndResult, error)
}

type Queue interface {
	HasPending() bool
	Upsert(tx queue.Transaction) (queue.Transaction, error)
	ForceFlush(ctx context.Context) error
}

// Session is the state of the game being played.
type Session struct {
	GameID     uint64
	StartHash  string
	StartedAt  time.Time
	Score      uint64
	TotalJumps uint64
	Jumps      []ledger.Jump
}

func (s *Session) clone() *Session {
	out := *s
	out.Jumps = append([]ledger.Jump(nil), s.Jumps...)
	return &out
}

// Outcome describes a finished game.
type Outcome struct {
	Session Session
	Reason  EndReason
	Result  *ledger.EndResult
}

type Controller struct {
	identity common.Address
	gateway  Gateway
	queue    Queue
	now      func() time.Time

	ticks  int
	tick   time.Duration
	onTick func(remaining int)

	mu      sync.Mutex
	state   State
	session *Session

	metrics *metrics.SessionMetrics
}

type Option func(*Controller)

// WithCountdown sets the number of countdown ticks and their length.
func WithCountdown(cfg config.Session) Option {
	return func(c *Controller) {
		c.ticks = cfg.CountdownTicks
		c.tick = cfg.CountdownTick()
	}
}

// WithTickHandler is called with the remaining ticks at every countdown
// step, from its own goroutine.
func WithTickHandler(fn func(remaining int)) Option {
	return func(c *Controller) { c.onTick = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(identity common.Address, gw Gateway, q Queue, opts ...Option) *Controller {
	c := &Controller{
		identity: identity,
		gateway:  gw,
		queue:    q,
		now:      time.Now,
		ticks:    3,
		tick:     800 * time.Millisecond,
		onTick:   func(int) {},
		state:    StateIdle,
		metrics:  metrics.Session(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current game, nil outside of play.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.clone()
}

func (c *Controller) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.metrics.Transitions.WithLabelValues(string(c.state), string(to)).Inc()
	logger.Debugf("session %s -> %s", c.state, to)
	c.state = to
}

// Start runs the countdown and the ledger start call side by side and
// enters playing once both are done. If the start call fails the controller
// returns to the state it was in. A game confirmed on the ledger is always
// entered, even when the countdown was cancelled, so it can still be ended.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateEnded {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "cannot start while %s", state)
	}
	if c.identity == (common.Address{}) {
		c.mu.Unlock()
		return nil, ErrNoIdentity
	}
	if c.queue.HasPending() {
		c.mu.Unlock()
		return nil, errors.WithStack(ledger.ErrOperationInFlight)
	}
	prev := c.state
	c.session = nil
	c.setStateLocked(StateCountingDown)
	c.mu.Unlock()

	var started *ledger.StartResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.countdown(gctx)
	})
	g.Go(func() error {
		res, err := c.gateway.StartSession(gctx, c.identity)
		if err != nil {
			return err
		}
		started = res
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err != nil && started == nil:
		c.setStateLocked(prev)
		logger.Warnf("game start failed: %v", err)
		return nil, err
	case err != nil:
		// The ledger already holds the game; only the countdown was cut short.
		logger.Warnf("countdown of game %d interrupted: %v", started.GameID, err)
	}

	c.session = &Session{
		GameID:    started.GameID,
		StartHash: started.Hash,
		StartedAt: c.now(),
	}
	c.setStateLocked(StatePlaying)
	logger.Infof("playing game %d", started.GameID)
	return c.session.clone(), nil
}

func (c *Controller) countdown(ctx context.Context) error {
	for remaining := c.ticks; remaining > 0; remaining-- {
		c.onTick(remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.tick):
		}
	}
	return nil
}

// Jump records a jump at the current score. The queue entry is written as
// confirmed straight away; jumps never wait on the ledger.
func (c *Controller) Jump(multiplier uint64) (ledger.Jump, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaying {
		return ledger.Jump{}, errors.Wrapf(ErrInvalidState, "cannot jump while %s", c.state)
	}

	now := c.now()
	jump := ledger.Jump{
		Timestamp:  uint64(now.Unix()),
		Score:      c.session.Score,
		Multiplier: multiplier,
	}
	c.session.Jumps = append(c.session.Jumps, jump)
	c.session.TotalJumps++
	c.metrics.Jumps.Inc()

	_, err := c.queue.Upsert(queue.Transaction{
		ID:        queue.NewID("jump"),
		Type:      queue.TypeJump,
		Status:    queue.StatusConfirmed,
		Timestamp: now.UnixMilli(),
		Data: map[string]any{
			"gameId":     c.session.GameID,
			"jumps":      uint64(1),
			"score":      c.session.Score,
			"multiplier": multiplier,
		},
	})
	if err != nil {
		logger.Errorf("recording jump of game %d: %v", c.session.GameID, err)
	}
	return jump, nil
}

// Score adds points for passed obstacles.
func (c *Controller) Score(points uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaying {
		return 0, errors.Wrapf(ErrInvalidState, "cannot score while %s", c.state)
	}
	c.session.Score += points
	return c.session.Score, nil
}

// End stops the game and submits its result. The controller is ended
// whatever the ledger answers and the queue is flushed before returning.
func (c *Controller) End(ctx context.Context, reason EndReason) (*Outcome, error) {
	c.mu.Lock()
	if c.state != StatePlaying {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "cannot end while %s", state)
	}
	sess := c.session
	c.session = nil
	c.setStateLocked(StateEnded)
	c.mu.Unlock()

	logger.Infof("game %d over (%s): score %d, %d jumps", sess.GameID, reason, sess.Score, sess.TotalJumps)

	res, err := c.gateway.EndSession(ctx, c.identity, sess.GameID, sess.Score, sess.TotalJumps, sess.Jumps)
	if flushErr := c.queue.ForceFlush(ctx); flushErr != nil {
		logger.Errorf("flushing queue after game %d: %v", sess.GameID, flushErr)
	}

	out := &Outcome{Session: *sess, Reason: reason, Result: res}
	if err != nil {
		return out, err
	}
	if res.LocalOnly {
		logger.Warnf("game %d: %s", sess.GameID, res.Message)
	}
	return out, nil
}
