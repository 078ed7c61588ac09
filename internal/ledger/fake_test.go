package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

type sentTx struct {
	from common.Address
	call Call
	opts TxOpts
}

type fakeEndpoint struct {
	url string

	mu          sync.Mutex
	probeErr    error
	nonce       uint64
	nonceErr    error
	gasPrice    *big.Int
	gasPriceErr error
	balance     *big.Int
	estimate    uint64
	estimateErr error
	sendErr     error
	waitErr     error
	waitBlock   bool
	reverted    bool
	gameID      uint64
	gameInfo    *GameInfo
	gameInfoErr error
	board       []LeaderboardEntry
	boardErr    error
	onWait      func(hash common.Hash)

	sent   []sentTx
	reads  map[string]int
	closed bool
}

func newFakeEndpoint(url string) *fakeEndpoint {
	return &fakeEndpoint{
		url:      url,
		nonce:    4,
		gasPrice: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.GWei)),
		balance:  new(big.Int).Mul(big.NewInt(1), big.NewInt(params.Ether)),
		estimate: 100_000,
		gameID:   7,
		reads:    map[string]int{},
	}
}

func (f *fakeEndpoint) URL() string { return f.url }

func (f *fakeEndpoint) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads["blockNumber"]++
	return 100, f.probeErr
}

func (f *fakeEndpoint) GasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeEndpoint) Nonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, f.nonceErr
}

func (f *fakeEndpoint) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeEndpoint) EstimateGas(context.Context, common.Address, Call) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estimateErr
}

func (f *fakeEndpoint) Send(_ context.Context, from common.Address, call Call, opts TxOpts) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, sentTx{from: from, call: call, opts: opts})
	return f.hash(), nil
}

func (f *fakeEndpoint) hash() common.Hash {
	return common.BytesToHash([]byte(f.url))
}

func (f *fakeEndpoint) WaitConfirmed(ctx context.Context, hash common.Hash) (*Receipt, error) {
	f.mu.Lock()
	onWait, block, waitErr := f.onWait, f.waitBlock, f.waitErr
	receipt := &Receipt{Hash: hash, Success: !f.reverted, BlockNumber: 101, GameID: f.gameID}
	f.mu.Unlock()

	if onWait != nil {
		onWait(hash)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return receipt, nil
}

func (f *fakeEndpoint) CurrentGameID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads["currentGameId"]++
	return f.gameID, f.probeErr
}

func (f *fakeEndpoint) GameInfo(_ context.Context, gameID uint64) (*GameInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads["games"]++
	if f.gameInfoErr != nil {
		return nil, f.gameInfoErr
	}
	return f.gameInfo, nil
}

func (f *fakeEndpoint) Leaderboard(context.Context) ([]LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads["getLeaderboard"]++
	return f.board, f.boardErr
}

func (f *fakeEndpoint) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeEndpoint) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeEndpoint) readCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[op]
}
