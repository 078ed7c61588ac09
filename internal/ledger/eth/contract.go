// Package eth implements ledger.Endpoint on top of go-ethereum's RPC client
// and the FlappyFuse contract ABI.
package eth

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/pkg/errors"
)

const contractABI = `[
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint256","name":"gameId","type":"uint256"},
	{"indexed":true,"internalType":"address","name":"player","type":"address"},
	{"indexed":false,"internalType":"uint256","name":"endTime","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"finalScore","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"totalJumps","type":"uint256"}],
	"name":"GameEnded","type":"event"},
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint256","name":"gameId","type":"uint256"},
	{"indexed":true,"internalType":"address","name":"player","type":"address"},
	{"indexed":false,"internalType":"uint256","name":"startTime","type":"uint256"}],
	"name":"GameStarted","type":"event"},
{"inputs":[],"name":"currentGameId",
	"outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	"stateMutability":"view","type":"function"},
{"inputs":[
	{"internalType":"uint256","name":"gameId","type":"uint256"},
	{"internalType":"uint256","name":"finalScore","type":"uint256"},
	{"internalType":"uint256","name":"totalJumps","type":"uint256"},
	{"components":[
		{"internalType":"uint256","name":"timestamp","type":"uint256"},
		{"internalType":"uint256","name":"scoreAtJump","type":"uint256"},
		{"internalType":"uint256","name":"multiplierAtJump","type":"uint256"}],
	"internalType":"struct FlappyFuse.JumpData[]","name":"jumps","type":"tuple[]"}],
	"name":"endGame","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"games",
	"outputs":[
	{"internalType":"address","name":"player","type":"address"},
	{"internalType":"uint256","name":"startTime","type":"uint256"},
	{"internalType":"uint256","name":"endTime","type":"uint256"},
	{"internalType":"uint256","name":"finalScore","type":"uint256"},
	{"internalType":"uint256","name":"totalJumps","type":"uint256"},
	{"internalType":"bool","name":"ended","type":"bool"}],
	"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getLeaderboard",
	"outputs":[{"components":[
		{"internalType":"address","name":"player","type":"address"},
		{"internalType":"uint256","name":"score","type":"uint256"},
		{"internalType":"uint256","name":"timestamp","type":"uint256"}],
	"internalType":"struct FlappyFuse.LeaderboardEntry[]","name":"","type":"tuple[]"}],
	"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"player","type":"address"}],"name":"startGame",
	"outputs":[{"internalType":"uint256","name":"gameId","type":"uint256"}],
	"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"totalGames",
	"outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	"stateMutability":"view","type":"function"}
]`

// Contract packs calls to and decodes results from the game contract.
type Contract struct {
	abi     abi.ABI
	address common.Address
}

func NewContract(address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, errors.Wrap(err, "parsing contract abi")
	}
	return &Contract{abi: parsed, address: address}, nil
}

func (c *Contract) Address() common.Address { return c.address }

type jumpArg struct {
	Timestamp        *big.Int
	ScoreAtJump      *big.Int
	MultiplierAtJump *big.Int
}

// Pack encodes call as contract input data.
func (c *Contract) Pack(call ledger.Call) ([]byte, error) {
	switch call.Method {
	case ledger.MethodStartGame:
		return c.abi.Pack(string(call.Method), call.Player)
	case ledger.MethodEndGame:
		jumps := make([]jumpArg, len(call.Jumps))
		for i, j := range call.Jumps {
			jumps[i] = jumpArg{
				Timestamp:        new(big.Int).SetUint64(j.Timestamp),
				ScoreAtJump:      new(big.Int).SetUint64(j.Score),
				MultiplierAtJump: new(big.Int).SetUint64(j.Multiplier),
			}
		}
		return c.abi.Pack(string(call.Method),
			new(big.Int).SetUint64(call.GameID),
			new(big.Int).SetUint64(call.FinalScore),
			new(big.Int).SetUint64(call.TotalJumps),
			jumps,
		)
	}
	return nil, errors.Errorf("unknown contract method %q", call.Method)
}

func (c *Contract) packView(method string, args ...interface{}) ([]byte, error) {
	return c.abi.Pack(method, args...)
}

func (c *Contract) unpackUint(method string, out []byte) (uint64, error) {
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return 0, errors.Wrapf(err, "decoding %s", method)
	}
	if len(values) != 1 {
		return 0, errors.Errorf("decoding %s: expected one value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return 0, errors.Errorf("decoding %s: unexpected type %T", method, values[0])
	}
	return v.Uint64(), nil
}

type gameRow struct {
	Player     common.Address
	StartTime  *big.Int
	EndTime    *big.Int
	FinalScore *big.Int
	TotalJumps *big.Int
	Ended      bool
}

func (c *Contract) unpackGame(out []byte) (*ledger.GameInfo, error) {
	var row gameRow
	if err := c.abi.UnpackIntoInterface(&row, "games", out); err != nil {
		return nil, errors.Wrap(err, "decoding games")
	}
	return &ledger.GameInfo{
		Player:     row.Player,
		StartTime:  row.StartTime.Uint64(),
		EndTime:    row.EndTime.Uint64(),
		FinalScore: row.FinalScore.Uint64(),
		TotalJumps: row.TotalJumps.Uint64(),
		Ended:      row.Ended,
	}, nil
}

type leaderboardRow struct {
	Player    common.Address
	Score     *big.Int
	Timestamp *big.Int
}

func (c *Contract) unpackLeaderboard(out []byte) ([]ledger.LeaderboardEntry, error) {
	values, err := c.abi.Unpack("getLeaderboard", out)
	if err != nil {
		return nil, errors.Wrap(err, "decoding getLeaderboard")
	}
	if len(values) != 1 {
		return nil, errors.Errorf("decoding getLeaderboard: expected one value, got %d", len(values))
	}
	rows := *abi.ConvertType(values[0], new([]leaderboardRow)).(*[]leaderboardRow)

	entries := make([]ledger.LeaderboardEntry, len(rows))
	for i, r := range rows {
		entries[i] = ledger.LeaderboardEntry{
			Player:    r.Player,
			Score:     r.Score.Uint64(),
			Timestamp: r.Timestamp.Uint64(),
		}
	}
	return entries, nil
}

// GameStartedID returns the game id from the first GameStarted event that
// the contract emitted in logs.
func (c *Contract) GameStartedID(logs []*types.Log) (uint64, bool) {
	topic := c.abi.Events["GameStarted"].ID
	for _, l := range logs {
		if l == nil || l.Address != c.address || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), true
	}
	return 0, false
}
