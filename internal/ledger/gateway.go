// Package ledger submits game lifecycle transactions to the ledger through
// an ordered list of endpoints, falling over to the next endpoint on
// connectivity failures. Every submission is mirrored in the transaction
// queue before it is sent.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/metrics"
	"github.com/flare-foundation/flappy-fuse/internal/queue"
	"github.com/flare-foundation/flappy-fuse/internal/scores"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Queue is the part of the transaction queue the Gateway writes to.
type Queue interface {
	InsertIfIdle(tx queue.Transaction) (queue.Transaction, error)
	Upsert(tx queue.Transaction) (queue.Transaction, error)
}

type ScoreRecorder interface {
	Record(ctx context.Context, s scores.Score) error
}

type StartResult struct {
	GameID uint64
	Hash   string
}

// EndResult is returned for every ended game. LocalOnly is set when the
// ledger did not accept the result and Message tells the player why.
type EndResult struct {
	Hash      string
	LocalOnly bool
	Message   string
}

type Gateway struct {
	endpoints []Endpoint
	queue     Queue
	scores    ScoreRecorder
	cfg       config.Ledger
	now       func() time.Time

	readRetries  uint64
	readInterval time.Duration

	board   *cache.Cache
	metrics *metrics.LedgerMetrics
}

type GatewayOption func(*Gateway)

func WithScores(s ScoreRecorder) GatewayOption {
	return func(g *Gateway) { g.scores = s }
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithReadRetries sets how often a read is retried on one endpoint before
// the next endpoint is tried.
func WithReadRetries(n uint64, interval time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.readRetries = n
		g.readInterval = interval
	}
}

func NewGateway(endpoints []Endpoint, q Queue, cfg config.Ledger, opts ...GatewayOption) *Gateway {
	ttl := cfg.LeaderboardCacheTTL()
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	g := &Gateway{
		endpoints:    endpoints,
		queue:        q,
		cfg:          cfg,
		now:          time.Now,
		readRetries:  1,
		readInterval: 200 * time.Millisecond,
		board:        cache.New(ttl, 2*ttl),
		metrics:      metrics.Ledger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Close() {
	for _, ep := range g.endpoints {
		ep.Close()
	}
}

// StartSession registers a new game for player and returns the id the
// ledger assigned to it. It refuses to start while any queued transaction is
// still pending.
func (g *Gateway) StartSession(ctx context.Context, player common.Address) (*StartResult, error) {
	started := time.Now()

	id := queue.NewID("start")
	data := map[string]any{"address": player.Hex()}
	_, err := g.queue.InsertIfIdle(queue.Transaction{
		ID:     id,
		Type:   queue.TypeStart,
		Status: queue.StatusPending,
		Data:   data,
	})
	if errors.Is(err, queue.ErrPendingExists) {
		g.observe("start", "busy", started)
		return nil, fatal(ErrOperationInFlight)
	}
	if err != nil {
		return nil, errors.Wrap(err, "queueing start transaction")
	}

	receipt, err := g.submit(ctx, "start", id, player, Call{Method: MethodStartGame, Player: player})
	if err == nil && receipt.GameID == 0 {
		err = fatal(errors.Wrapf(ErrMissingGameID, "tx %s", receipt.Hash.Hex()))
	}
	if err != nil {
		g.fail(id, err)
		g.observe("start", Classify(err).String(), started)
		return nil, err
	}

	data = map[string]any{"address": player.Hex(), "gameId": receipt.GameID}
	g.upsert(queue.Transaction{ID: id, Status: queue.StatusConfirmed, Hash: receipt.Hash.Hex(), Data: data})
	g.observe("start", "confirmed", started)

	logger.Infof("game %d started by %s in tx %s", receipt.GameID, player.Hex(), receipt.Hash.Hex())
	return &StartResult{GameID: receipt.GameID, Hash: receipt.Hash.Hex()}, nil
}

// EndSession submits the result of gameID. Only the first
// MaxSubmittedJumps jumps are sent. Ledger failures never surface as
// errors: the result is archived locally and the queue entry is confirmed
// with the reason and data.localOnly set.
func (g *Gateway) EndSession(ctx context.Context, player common.Address, gameID, finalScore, totalJumps uint64, jumps []Jump) (*EndResult, error) {
	started := time.Now()

	id := queue.NewID(fmt.Sprintf("end-%d", gameID))
	data := map[string]any{
		"gameId":     gameID,
		"finalScore": finalScore,
		"totalJumps": totalJumps,
		"address":    player.Hex(),
	}
	g.upsert(queue.Transaction{ID: id, Type: queue.TypeEnd, Status: queue.StatusPending, Data: data})

	score := scores.Score{
		GameID:     gameID,
		Address:    player.Hex(),
		Score:      finalScore,
		TotalJumps: totalJumps,
		Timestamp:  g.now().Unix(),
	}

	receipt, err := g.endOnLedger(ctx, id, player, gameID, finalScore, totalJumps, jumps)
	if err != nil {
		msg := LocalOnlyMessage(err)
		logger.Warnf("game %d recorded locally only: %v", gameID, err)

		local := map[string]any{"localOnly": true}
		for k, v := range data {
			local[k] = v
		}
		g.upsert(queue.Transaction{ID: id, Status: queue.StatusConfirmed, Error: msg, Data: local})

		score.LocalOnly = true
		g.archive(ctx, score)
		g.observe("end", "local", started)
		return &EndResult{LocalOnly: true, Message: msg}, nil
	}

	g.upsert(queue.Transaction{ID: id, Status: queue.StatusConfirmed, Hash: receipt.Hash.Hex()})
	score.Hash = receipt.Hash.Hex()
	g.archive(ctx, score)
	g.InvalidateLeaderboard()
	g.observe("end", "confirmed", started)

	logger.Infof("game %d ended with score %d in tx %s", gameID, finalScore, receipt.Hash.Hex())
	return &EndResult{Hash: receipt.Hash.Hex()}, nil
}

func (g *Gateway) endOnLedger(ctx context.Context, id string, player common.Address, gameID, finalScore, totalJumps uint64, jumps []Jump) (*Receipt, error) {
	if gameID == 0 {
		return nil, fatal(ErrInvalidGameID)
	}
	if limit := g.cfg.MaxSubmittedJumps; limit >= 0 && len(jumps) > limit {
		jumps = jumps[:limit]
	}
	if err := g.verifySession(ctx, player, gameID); err != nil {
		return nil, err
	}

	return g.submit(ctx, "end", id, player, Call{
		Method:     MethodEndGame,
		GameID:     gameID,
		FinalScore: finalScore,
		TotalJumps: totalJumps,
		Jumps:      jumps,
	})
}

// verifySession refuses games that are already ended or owned by someone
// else. If no endpoint can answer, the submission goes ahead unverified.
func (g *Gateway) verifySession(ctx context.Context, player common.Address, gameID uint64) error {
	info, err := readFirst(ctx, g, "games", func(ctx context.Context, ep Endpoint) (*GameInfo, error) {
		return ep.GameInfo(ctx, gameID)
	})
	if err != nil {
		logger.Warnf("could not verify game %d, submitting anyway: %v", gameID, err)
		return nil
	}
	if info.Ended {
		return fatal(errors.Wrapf(ErrSessionEnded, "game %d", gameID))
	}
	if info.Player != player {
		return fatal(errors.Wrapf(ErrNotSessionOwner, "game %d belongs to %s", gameID, info.Player.Hex()))
	}
	return nil
}

// Unreachable endpoints are skipped without counting as a submission attempt.
const outcomeUnreachable = "probe_failed"

// submit tries the endpoints in order. Connectivity failures move on to the
// next endpoint; any other failure ends the attempt.
func (g *Gateway) submit(ctx context.Context, op, id string, from common.Address, call Call) (*Receipt, error) {
	if len(g.endpoints) == 0 {
		return nil, connectivity(&exhaustedError{last: ErrNoEndpoints})
	}

	var last error
	for i, ep := range g.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, fatal(errors.Wrap(err, op))
		}
		if i > 0 {
			g.metrics.Failovers.Inc()
			logger.Warnf("%s: trying endpoint %d of %d", op, i+1, len(g.endpoints))
		}

		label := strconv.Itoa(i)
		if _, err := withTimeout(ctx, g.cfg.RequestTimeout(), ep.BlockNumber); err != nil {
			g.metrics.Attempts.WithLabelValues(label, outcomeUnreachable).Inc()
			logger.Warnf("%s: %s unreachable: %v", op, ep.URL(), err)
			last = connectivity(errors.Wrapf(err, "probing %s", ep.URL()))
			continue
		}

		receipt, err := g.submitTo(ctx, ep, id, from, call)
		if err == nil {
			g.metrics.Attempts.WithLabelValues(label, "ok").Inc()
			return receipt, nil
		}

		class := Classify(err)
		g.metrics.Attempts.WithLabelValues(label, class.String()).Inc()
		if class != ClassConnectivity {
			logger.Errorf("%s failed on %s: %v", op, ep.URL(), err)
			return nil, err
		}
		logger.Warnf("%s failed on %s: %v", op, ep.URL(), err)
		last = err
	}

	return nil, connectivity(&exhaustedError{last: last})
}

func (g *Gateway) submitTo(ctx context.Context, ep Endpoint, id string, from common.Address, call Call) (*Receipt, error) {
	opts, err := g.txPlan(ctx, ep, from, call)
	if err != nil {
		return nil, err
	}

	hash, err := withTimeout(ctx, g.cfg.RequestTimeout(), func(ctx context.Context) (common.Hash, error) {
		return ep.Send(ctx, from, call, opts)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sending %s", call.Method)
	}
	g.upsert(queue.Transaction{ID: id, Status: queue.StatusPending, Hash: hash.Hex()})
	logger.Infof("%s sent as %s via %s, waiting for confirmation", call.Method, hash.Hex(), ep.URL())

	receipt, err := withTimeout(ctx, g.cfg.ConfirmTimeout(), func(ctx context.Context) (*Receipt, error) {
		return ep.WaitConfirmed(ctx, hash)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, connectivity(errors.Wrapf(err, "waiting for %s", hash.Hex()))
		}
		return nil, errors.Wrapf(err, "waiting for %s", hash.Hex())
	}
	if !receipt.Success {
		return nil, fatal(errors.Wrapf(ErrReverted, "tx %s", hash.Hex()))
	}
	if receipt.Hash == (common.Hash{}) {
		receipt.Hash = hash
	}
	return receipt, nil
}

// readFirst runs a read against the endpoints in order, retrying each one
// briefly before moving on.
func readFirst[T any](ctx context.Context, g *Gateway, op string, read func(context.Context, Endpoint) (T, error)) (T, error) {
	var zero T
	if len(g.endpoints) == 0 {
		return zero, connectivity(&exhaustedError{last: ErrNoEndpoints})
	}

	var last error
	for i, ep := range g.endpoints {
		if i > 0 {
			g.metrics.Failovers.Inc()
		}

		var out T
		err := backoff.RetryNotify(
			func() error {
				v, err := withTimeout(ctx, g.cfg.RequestTimeout(), func(ctx context.Context) (T, error) {
					return read(ctx, ep)
				})
				if err != nil {
					if Classify(err) != ClassConnectivity {
						return backoff.Permanent(err)
					}
					return err
				}
				out = v
				return nil
			},
			g.readBackoff(ctx),
			func(err error, d time.Duration) {
				logger.Debugf("%s on %s failed, retrying in %v: %v", op, ep.URL(), d, err)
			},
		)
		if err == nil {
			return out, nil
		}
		if Classify(err) != ClassConnectivity {
			return zero, err
		}
		logger.Warnf("%s failed on %s: %v", op, ep.URL(), err)
		last = err
	}

	return zero, connectivity(&exhaustedError{last: last})
}

func (g *Gateway) readBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.readInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, g.readRetries), ctx)
}

// CurrentGameID returns the id of the most recently started game.
func (g *Gateway) CurrentGameID(ctx context.Context) (uint64, error) {
	return readFirst(ctx, g, "currentGameId", func(ctx context.Context, ep Endpoint) (uint64, error) {
		return ep.CurrentGameID(ctx)
	})
}

func (g *Gateway) SessionInfo(ctx context.Context, gameID uint64) (*GameInfo, error) {
	return readFirst(ctx, g, "games", func(ctx context.Context, ep Endpoint) (*GameInfo, error) {
		return ep.GameInfo(ctx, gameID)
	})
}

func (g *Gateway) fail(id string, err error) {
	g.upsert(queue.Transaction{ID: id, Status: queue.StatusFailed, Error: UserMessage(err)})
}

func (g *Gateway) upsert(tx queue.Transaction) {
	if _, err := g.queue.Upsert(tx); err != nil {
		logger.Errorf("updating queue entry %s: %v", tx.ID, err)
	}
}

func (g *Gateway) archive(ctx context.Context, s scores.Score) {
	if g.scores == nil {
		return
	}
	if err := g.scores.Record(ctx, s); err != nil {
		logger.Errorf("archiving score of game %d: %v", s.GameID, err)
	}
}

func (g *Gateway) observe(op, outcome string, started time.Time) {
	g.metrics.Operations.WithLabelValues(op, outcome).Inc()
	g.metrics.Latency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
