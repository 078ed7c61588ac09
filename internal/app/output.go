package app

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/queue"
	"github.com/flare-foundation/flappy-fuse/internal/scores"
	"github.com/flare-foundation/flappy-fuse/internal/session"
)

func printf(out io.Writer, format string, args ...interface{}) error {
	_, err := fmt.Fprintf(out, format, args...)
	return err
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printQueue(out io.Writer, txs []queue.Transaction, status queue.Status, asJSON bool) error {
	filtered := make([]queue.Transaction, 0, len(txs))
	for _, tx := range txs {
		if status == "" || tx.Status == status {
			filtered = append(filtered, tx)
		}
	}

	if asJSON {
		return writeJSON(out, filtered)
	}

	for _, tx := range filtered {
		sum, err := queue.Summarize(tx)
		if err != nil {
			logger.Warnf("%v", err)
		}
		line := fmt.Sprintf("%s %-5s %-9s %s game=%d",
			tx.Time().UTC().Format(time.RFC3339), tx.Type, tx.Status, tx.ID, sum.GameID)
		if tx.Hash != "" {
			line += " hash=" + tx.Hash
		}
		if sum.LocalOnly {
			line += " local-only"
		}
		if tx.Error != "" {
			line += fmt.Sprintf(" error=%q", tx.Error)
		}
		if err := printf(out, "%s\n", line); err != nil {
			return err
		}
	}
	return printf(out, "%d entries\n", len(filtered))
}

func printLeaderboard(out io.Writer, board *ledger.Leaderboard, asJSON bool) error {
	if asJSON {
		return writeJSON(out, board)
	}
	if board.Demo {
		if err := printf(out, "Using demo leaderboard data\n"); err != nil {
			return err
		}
	}
	for i, e := range board.Entries {
		ts := time.Unix(int64(e.Timestamp), 0).UTC().Format(time.RFC3339)
		if err := printf(out, "%2d. %s %6d %s\n", i+1, e.Player.Hex(), e.Score, ts); err != nil {
			return err
		}
	}
	return nil
}

func printLocalScores(out io.Writer, list []scores.Score, asJSON bool) error {
	if asJSON {
		return writeJSON(out, list)
	}
	for i, s := range list {
		state := "on-chain"
		if s.LocalOnly {
			state = "local"
		}
		if err := printf(out, "%2d. game %d %6d (%d jumps) %s\n", i+1, s.GameID, s.Score, s.TotalJumps, state); err != nil {
			return err
		}
	}
	return nil
}

func printOutcome(out io.Writer, o *session.Outcome) error {
	if o.Result.LocalOnly {
		return printf(out, "game %d over: score %d, %d jumps. %s\n",
			o.Session.GameID, o.Session.Score, o.Session.TotalJumps, o.Result.Message)
	}
	return printf(out, "game %d over: score %d, %d jumps, recorded in %s\n",
		o.Session.GameID, o.Session.Score, o.Session.TotalJumps, o.Result.Hash)
}

func printVersion(out io.Writer, dir string) error {
	build, err := config.ReadBuildVersion(dir)
	if err != nil {
		logger.Warn("failed to read the project build info")
		return printf(out, "flappyfuse (unknown build)\n")
	}
	return printf(out, "flappyfuse %s (%s) built %s\n", build.GitTag, build.GitHash, build.BuildDate.UTC().Format(time.RFC3339))
}
