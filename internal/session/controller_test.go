package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/flare-foundation/flappy-fuse/internal/queue"
	"github.com/flare-foundation/flappy-fuse/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type endCall struct {
	player     common.Address
	gameID     uint64
	finalScore uint64
	totalJumps uint64
	jumps      []ledger.Jump
}

type fakeGateway struct {
	mu         sync.Mutex
	startDelay time.Duration
	startErr   error
	gameID     uint64
	starts     int
	ends       []endCall
	endResult  *ledger.EndResult
}

func (f *fakeGateway) StartSession(ctx context.Context, _ common.Address) (*ledger.StartResult, error) {
	f.mu.Lock()
	f.starts++
	delay, err := f.startDelay, f.startErr
	f.gameID++
	id := f.gameID
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	if err != nil {
		return nil, err
	}
	return &ledger.StartResult{GameID: id, Hash: "0xstart"}, nil
}

func (f *fakeGateway) EndSession(_ context.Context, p common.Address, gameID, finalScore, totalJumps uint64, jumps []ledger.Jump) (*ledger.EndResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, endCall{p, gameID, finalScore, totalJumps, jumps})
	if f.endResult != nil {
		return f.endResult, nil
	}
	return &ledger.EndResult{Hash: "0xend"}, nil
}

func (f *fakeGateway) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type ControllerTestSuite struct {
	suite.Suite
	ctx   context.Context
	kv    *storage.Memory
	queue *queue.Manager
	gw    *fakeGateway

	ticksMu sync.Mutex
	ticks   []int
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, &ControllerTestSuite{})
}

func (s *ControllerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.kv = storage.NewMemory()
	s.queue = queue.NewManager(queue.NewStore(s.kv))
	s.gw = &fakeGateway{}
	s.ticks = nil
}

func (s *ControllerTestSuite) controller(tick time.Duration, identity common.Address) *Controller {
	return NewController(identity, s.gw, s.queue,
		WithCountdown(config.Session{CountdownTicks: 3, CountdownTickMillis: int(tick / time.Millisecond)}),
		WithTickHandler(func(remaining int) {
			s.ticksMu.Lock()
			defer s.ticksMu.Unlock()
			s.ticks = append(s.ticks, remaining)
		}),
	)
}

func (s *ControllerTestSuite) playing() *Controller {
	c := s.controller(time.Millisecond, player)
	_, err := c.Start(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(StatePlaying, c.State())
	return c
}

func (s *ControllerTestSuite) TestStartWaitsForCountdown() {
	c := s.controller(20*time.Millisecond, player)

	begin := time.Now()
	sess, err := c.Start(s.ctx)
	s.Require().NoError(err)

	s.GreaterOrEqual(time.Since(begin), 60*time.Millisecond)
	s.Equal([]int{3, 2, 1}, s.ticks)
	s.Equal(uint64(1), sess.GameID)
	s.Equal("0xstart", sess.StartHash)
	s.Equal(StatePlaying, c.State())
}

func (s *ControllerTestSuite) TestStartWaitsForLedger() {
	s.gw.startDelay = 80 * time.Millisecond
	c := s.controller(time.Millisecond, player)

	begin := time.Now()
	_, err := c.Start(s.ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(time.Since(begin), 80*time.Millisecond)
}

func (s *ControllerTestSuite) TestStartRefusedWhilePending() {
	_, err := s.queue.Upsert(queue.Transaction{ID: "end-1-x", Type: queue.TypeEnd, Status: queue.StatusPending})
	s.Require().NoError(err)

	c := s.controller(time.Millisecond, player)
	_, err = c.Start(s.ctx)
	s.ErrorIs(err, ledger.ErrOperationInFlight)
	s.Equal(0, s.gw.startCount())
	s.Equal(StateIdle, c.State())
	s.Empty(s.ticks)
}

func (s *ControllerTestSuite) TestStartRequiresIdentity() {
	c := s.controller(time.Millisecond, common.Address{})
	_, err := c.Start(s.ctx)
	s.ErrorIs(err, ErrNoIdentity)
	s.Equal(0, s.gw.startCount())
}

func (s *ControllerTestSuite) TestStartFailureRestoresState() {
	s.gw.startErr = errors.New("execution reverted")
	c := s.controller(time.Second, player)

	begin := time.Now()
	_, err := c.Start(s.ctx)
	s.Error(err)
	s.Less(time.Since(begin), time.Second)
	s.Equal(StateIdle, c.State())
	s.Nil(c.Session())
}

func (s *ControllerTestSuite) TestConfirmedGameSurvivesCancelledCountdown() {
	c := s.controller(200*time.Millisecond, player)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	sess, err := c.Start(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(1), sess.GameID)
	s.Equal(StatePlaying, c.State())

	_, err = c.End(s.ctx, ReasonQuit)
	s.Require().NoError(err)
	s.Require().Len(s.gw.ends, 1)
	s.Equal(uint64(1), s.gw.ends[0].gameID)
}

func (s *ControllerTestSuite) TestStartNotAllowedWhilePlaying() {
	c := s.playing()
	_, err := c.Start(s.ctx)
	s.ErrorIs(err, ErrInvalidState)
}

func (s *ControllerTestSuite) TestJumpsAreRecordedConfirmed() {
	c := s.playing()

	_, err := c.Jump(1)
	s.Require().NoError(err)
	score, err := c.Score(2)
	s.Require().NoError(err)
	s.Equal(uint64(2), score)
	jump, err := c.Jump(3)
	s.Require().NoError(err)
	s.Equal(uint64(2), jump.Score)
	s.Equal(uint64(3), jump.Multiplier)

	sess := c.Session()
	s.Equal(uint64(2), sess.TotalJumps)
	s.Len(sess.Jumps, 2)

	var recorded []queue.Transaction
	for _, tx := range s.queue.Get() {
		if tx.Type == queue.TypeJump {
			recorded = append(recorded, tx)
		}
	}
	s.Require().Len(recorded, 2)
	for _, tx := range recorded {
		s.Equal(queue.StatusConfirmed, tx.Status)
		s.Regexp(`^jump-`, tx.ID)
		s.Equal(uint64(1), tx.Data["gameId"])
	}
	s.Equal(uint64(2), recorded[1].Data["score"])
}

func (s *ControllerTestSuite) TestJumpsDoNotWaitOnPendingEntries() {
	c := s.playing()
	_, err := s.queue.Upsert(queue.Transaction{ID: "end-9-x", Type: queue.TypeEnd, Status: queue.StatusPending})
	s.Require().NoError(err)

	_, err = c.Jump(1)
	s.NoError(err)
}

func (s *ControllerTestSuite) TestJumpOutsidePlay() {
	c := s.controller(time.Millisecond, player)
	_, err := c.Jump(1)
	s.ErrorIs(err, ErrInvalidState)
	_, err = c.Score(1)
	s.ErrorIs(err, ErrInvalidState)
	_, err = c.End(s.ctx, ReasonCollision)
	s.ErrorIs(err, ErrInvalidState)
}

func (s *ControllerTestSuite) TestEndSubmitsAndFlushes() {
	c := s.playing()
	for i := 0; i < 7; i++ {
		_, err := c.Jump(1)
		s.Require().NoError(err)
		_, err = c.Score(1)
		s.Require().NoError(err)
	}

	out, err := c.End(s.ctx, ReasonCollision)
	s.Require().NoError(err)
	s.Equal(ReasonCollision, out.Reason)
	s.Equal("0xend", out.Result.Hash)
	s.Equal(uint64(7), out.Session.Score)
	s.Equal(StateEnded, c.State())
	s.Nil(c.Session())

	s.Require().Len(s.gw.ends, 1)
	end := s.gw.ends[0]
	s.Equal(player, end.player)
	s.Equal(uint64(1), end.gameID)
	s.Equal(uint64(7), end.finalScore)
	s.Equal(uint64(7), end.totalJumps)
	s.Len(end.jumps, 7)

	persisted, err := queue.NewStore(s.kv).Load(s.ctx)
	s.Require().NoError(err)
	s.Len(persisted, len(s.queue.Get()))
}

func (s *ControllerTestSuite) TestEndLocalOnlyStillEnds() {
	s.gw.endResult = &ledger.EndResult{LocalOnly: true, Message: "Network response took too long. Your score was recorded locally."}
	c := s.playing()

	out, err := c.End(s.ctx, ReasonOutOfBounds)
	s.Require().NoError(err)
	s.True(out.Result.LocalOnly)
	s.Equal(StateEnded, c.State())
}

func (s *ControllerTestSuite) TestNewGameAfterEnd() {
	c := s.playing()
	_, err := c.Jump(1)
	s.Require().NoError(err)
	_, err = c.End(s.ctx, ReasonCollision)
	s.Require().NoError(err)

	sess, err := c.Start(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(2), sess.GameID)
	s.Zero(sess.TotalJumps)
	s.Empty(sess.Jumps)
	s.Zero(sess.Score)
}
