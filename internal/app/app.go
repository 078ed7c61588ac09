// Package app wires configuration, storage, the transaction queue, the
// ledger gateway and the session controller behind the command line.
package app

import (
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/flare-foundation/flappy-fuse/internal/ledger/eth"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/metrics"
	"github.com/flare-foundation/flappy-fuse/internal/queue"
	"github.com/flare-foundation/flappy-fuse/internal/scores"
	"github.com/flare-foundation/flappy-fuse/internal/session"
	"github.com/flare-foundation/flappy-fuse/internal/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type CLIArgs struct {
	ConfigFile string `arg:"--config,env:CONFIG_FILE" default:"config.toml" help:"path to the TOML configuration"`

	Play        *PlayCmd        `arg:"subcommand:play" help:"play scripted games against the ledger"`
	Queue       *QueueCmd       `arg:"subcommand:queue" help:"print the transaction queue"`
	Prune       *PruneCmd       `arg:"subcommand:prune" help:"drop entries older than the retention window"`
	Clear       *ClearCmd       `arg:"subcommand:clear" help:"remove every queued transaction"`
	Leaderboard *LeaderboardCmd `arg:"subcommand:leaderboard" help:"print the top scores"`
	Version     *VersionCmd     `arg:"subcommand:version" help:"print build information"`
}

type PlayCmd struct {
	Games int `arg:"--games" default:"1" help:"number of games to play"`
	Jumps int `arg:"--jumps" help:"jumps per game, overrides session.scripted_jumps"`
}

type QueueCmd struct {
	Status string `arg:"--status" help:"only show entries with this status"`
	JSON   bool   `arg:"--json" help:"print as JSON"`
}

type PruneCmd struct{}

type ClearCmd struct{}

type LeaderboardCmd struct {
	Size  int  `arg:"--size" help:"number of entries, overrides ledger.leaderboard_size"`
	Local bool `arg:"--local" help:"show the local score archive instead of the ledger"`
	JSON  bool `arg:"--json" help:"print as JSON"`
}

type VersionCmd struct {
	Dir string `arg:"--dir" default:"." help:"directory holding the build info files"`
}

const (
	// Pending entries left behind by an earlier process never resolve.
	stalePendingReason = "Interrupted before confirmation."
	// Upper bound for submitting the result of a game cut short by a signal.
	quitTimeout = 10 * time.Second
)

// newEndpoints builds one ledger endpoint per configured URL.
var newEndpoints = func(cfg config.Ledger, key *ecdsa.PrivateKey) ([]ledger.Endpoint, error) {
	contract, err := eth.NewContract(common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		return nil, err
	}

	opts := []eth.Option{}
	if key != nil {
		opts = append(opts, eth.WithKey(key))
	}

	endpoints := make([]ledger.Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = eth.NewEndpoint(url, contract, cfg.ChainID, opts...)
	}
	return endpoints, nil
}

func Run() error {
	var args CLIArgs
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWithArgs(ctx, args, os.Stdout)
}

func loadConfig(path string) (*config.BaseConfig, error) {
	cfg := config.DefaultBaseConfig
	err := config.ReadFile(path, &cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warnf("config file %s not found, using defaults", path)
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	cfg.ApplyEnvOverrides()

	if err := config.CheckParameters(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runWithArgs(ctx context.Context, args CLIArgs, out io.Writer) error {
	cfg, err := loadConfig(args.ConfigFile)
	if err != nil {
		return err
	}

	// keep stdout for command output
	logger.SetOutput(cfg.Logger, os.Stderr)
	defer logger.SyncFileLogger()

	if args.Version != nil {
		return printVersion(out, args.Version.Dir)
	}

	kv, err := storage.Open(&cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Errorf("closing store: %v", err)
		}
	}()

	q := queue.NewManager(queue.NewStore(kv), queue.WithConfig(cfg.Queue))
	if err := q.Load(ctx); err != nil {
		return err
	}

	switch {
	case args.Queue != nil:
		return printQueue(out, q.Get(), queue.Status(args.Queue.Status), args.Queue.JSON)

	case args.Prune != nil:
		removed := q.PruneAged(cfg.Queue.Retention())
		if err := q.ForceFlush(ctx); err != nil {
			return err
		}
		return printf(out, "removed %d entries\n", removed)

	case args.Clear != nil:
		if err := q.Clear(ctx); err != nil {
			return err
		}
		return printf(out, "queue cleared\n")

	case args.Leaderboard != nil:
		return leaderboard(ctx, cfg, kv, q, args.Leaderboard, out)

	case args.Play != nil:
		return play(ctx, cfg, kv, q, args.Play, out)
	}

	return errors.New("missing subcommand")
}

func leaderboard(ctx context.Context, cfg *config.BaseConfig, kv storage.KV, q *queue.Manager, cmd *LeaderboardCmd, out io.Writer) error {
	size := cfg.Ledger.LeaderboardSize
	if cmd.Size > 0 {
		size = cmd.Size
	}

	if cmd.Local {
		top, err := scores.NewArchive(kv).Top(ctx, size)
		if err != nil {
			return err
		}
		return printLocalScores(out, top, cmd.JSON)
	}

	endpoints, err := newEndpoints(cfg.Ledger, nil)
	if err != nil {
		return err
	}
	gw := ledger.NewGateway(endpoints, q, cfg.Ledger)
	defer gw.Close()

	board, err := gw.Leaderboard(ctx, size)
	if err != nil {
		return err
	}
	return printLeaderboard(out, board, cmd.JSON)
}

func play(ctx context.Context, cfg *config.BaseConfig, kv storage.KV, q *queue.Manager, cmd *PlayCmd, out io.Writer) error {
	if cfg.Ledger.PrivateKey == "" {
		return errors.New("ledger.private_key (or FLAPPY_PRIVATE_KEY) must be set to play")
	}
	key, err := eth.ParseKey(cfg.Ledger.PrivateKey)
	if err != nil {
		return err
	}
	player := crypto.PubkeyToAddress(key.PublicKey)

	if n := q.FailStalePending(cfg.Ledger.ConfirmTimeout(), stalePendingReason); n > 0 {
		logger.Warnf("marked %d interrupted transactions as failed", n)
	}

	endpoints, err := newEndpoints(cfg.Ledger, key)
	if err != nil {
		return err
	}
	gw := ledger.NewGateway(endpoints, q, cfg.Ledger, ledger.WithScores(scores.NewArchive(kv)))
	defer gw.Close()

	ctrl := session.NewController(player, gw, q,
		session.WithCountdown(cfg.Session),
		session.WithTickHandler(func(remaining int) {
			_ = printf(out, "%d...\n", remaining)
		}),
	)

	jumps := cfg.Session.ScriptedJumps
	if cmd.Jumps > 0 {
		jumps = cmd.Jumps
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return q.Run(ctx)
	})
	if cfg.Metrics.Address != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Address)
		})
	}
	eg.Go(func() error {
		defer cancel()
		for i := 0; i < cmd.Games; i++ {
			if err := playGame(ctx, ctrl, cfg.Session, jumps, out); err != nil {
				return err
			}
		}
		return nil
	})

	return eg.Wait()
}

// playGame runs one scripted game: a jump and a scored obstacle every
// scripted_jump_millis, then a collision.
func playGame(ctx context.Context, ctrl *session.Controller, cfg config.Session, jumps int, out io.Writer) error {
	sess, err := ctrl.Start(ctx)
	if err != nil {
		_ = printf(out, "could not start game: %s\n", ledger.UserMessage(err))
		return err
	}
	if err := printf(out, "game %d started (%s)\n", sess.GameID, sess.StartHash); err != nil {
		return err
	}

	interval := time.Duration(cfg.ScriptedJumpMillis) * time.Millisecond
	for i := 0; i < jumps; i++ {
		select {
		case <-ctx.Done():
			return quitGame(ctrl, out, ctx.Err())
		case <-time.After(interval):
		}
		if _, err := ctrl.Jump(1); err != nil {
			return err
		}
		if _, err := ctrl.Score(uint64(cfg.ScriptedPointsPerJump)); err != nil {
			return err
		}
	}

	outcome, err := ctrl.End(ctx, session.ReasonCollision)
	if err != nil {
		return err
	}
	return printOutcome(out, outcome)
}

// quitGame ends the running game after the play context was cancelled so
// its score still reaches the queue and the local archive.
func quitGame(ctrl *session.Controller, out io.Writer, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	outcome, err := ctrl.End(ctx, session.ReasonQuit)
	if err != nil {
		logger.Errorf("ending game on quit: %v", err)
		return cause
	}
	_ = printOutcome(out, outcome)
	return cause
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics server shutdown: %v", err)
		}
	}()

	logger.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
