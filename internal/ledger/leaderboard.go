package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
)

const leaderboardKey = "leaderboard"

type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
	// Demo is set when no endpoint answered and placeholder entries are
	// shown instead.
	Demo   bool `json:"demo"`
	Cached bool `json:"cached"`
}

// Leaderboard returns the top n entries, highest score first. Successful
// reads are cached; when every endpoint fails the demo board is returned.
func (g *Gateway) Leaderboard(ctx context.Context, n int) (*Leaderboard, error) {
	if v, ok := g.board.Get(leaderboardKey); ok {
		return &Leaderboard{Entries: top(v.([]LeaderboardEntry), n), Cached: true}, nil
	}

	entries, err := readFirst(ctx, g, "getLeaderboard", func(ctx context.Context, ep Endpoint) ([]LeaderboardEntry, error) {
		return ep.Leaderboard(ctx)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warnf("leaderboard unavailable, using demo data: %v", err)
		return &Leaderboard{Entries: top(demoLeaderboard(g.now()), n), Demo: true}, nil
	}

	sorted := make([]LeaderboardEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	g.board.SetDefault(leaderboardKey, sorted)

	return &Leaderboard{Entries: top(sorted, n)}, nil
}

// InvalidateLeaderboard drops the cached board so the next read hits the
// ledger.
func (g *Gateway) InvalidateLeaderboard() {
	g.board.Delete(leaderboardKey)
}

func top(entries []LeaderboardEntry, n int) []LeaderboardEntry {
	if n < 0 || n >= len(entries) {
		n = len(entries)
	}
	out := make([]LeaderboardEntry, n)
	copy(out, entries[:n])
	return out
}

func demoLeaderboard(now time.Time) []LeaderboardEntry {
	ts := uint64(now.Unix())
	return []LeaderboardEntry{
		{Player: common.HexToAddress("0x1234567890123456789012345678901234567890"), Score: 42, Timestamp: ts - 3600},
		{Player: common.HexToAddress("0x2345678901234567890123456789012345678901"), Score: 38, Timestamp: ts - 7200},
		{Player: common.HexToAddress("0x3456789012345678901234567890123456789012"), Score: 35, Timestamp: ts - 10800},
		{Player: common.HexToAddress("0x4567890123456789012345678901234567890123"), Score: 31, Timestamp: ts - 14400},
		{Player: common.HexToAddress("0x5678901234567890123456789012345678901234"), Score: 27, Timestamp: ts - 18000},
	}
}
