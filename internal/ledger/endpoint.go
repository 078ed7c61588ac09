package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Endpoint is one RPC connection to the ledger. Methods return raw transport
// or node errors; the Gateway classifies them.
type Endpoint interface {
	URL() string

	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error)

	// Send signs and broadcasts call from the given account.
	Send(ctx context.Context, from common.Address, call Call, opts TxOpts) (common.Hash, error)
	// WaitConfirmed blocks until hash is mined or ctx is done.
	WaitConfirmed(ctx context.Context, hash common.Hash) (*Receipt, error)

	CurrentGameID(ctx context.Context) (uint64, error)
	GameInfo(ctx context.Context, gameID uint64) (*GameInfo, error)
	Leaderboard(ctx context.Context) ([]LeaderboardEntry, error)

	Close()
}

type Method string

const (
	MethodStartGame Method = "startGame"
	MethodEndGame   Method = "endGame"
)

// Call is a state-changing contract invocation.
type Call struct {
	Method Method

	// startGame
	Player common.Address

	// endGame
	GameID     uint64
	FinalScore uint64
	TotalJumps uint64
	Jumps      []Jump
}

type TxOpts struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
}

type Receipt struct {
	Hash        common.Hash
	Success     bool
	BlockNumber uint64
	// GameID is taken from the GameStarted event, zero when absent.
	GameID uint64
}

// Jump is the per-jump record submitted with endGame.
type Jump struct {
	Timestamp  uint64 `json:"timestamp"`
	Score      uint64 `json:"scoreAtJump"`
	Multiplier uint64 `json:"multiplierAtJump"`
}

type GameInfo struct {
	Player     common.Address
	StartTime  uint64
	EndTime    uint64
	FinalScore uint64
	TotalJumps uint64
	Ended      bool
}

type LeaderboardEntry struct {
	Player    common.Address `json:"player"`
	Score     uint64         `json:"score"`
	Timestamp uint64         `json:"timestamp"`
}
