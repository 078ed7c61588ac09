package ledger

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{context.DeadlineExceeded, ClassConnectivity},
		{errors.Wrap(context.DeadlineExceeded, "nonce"), ClassConnectivity},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, ClassConnectivity},
		{errors.New("429 Too Many Requests"), ClassConnectivity},
		{errors.New("nonce too low"), ClassConnectivity},
		{errors.New("insufficient funds for gas * price + value"), ClassResource},
		{errors.New("execution reverted: Game already ended"), ClassFatal},
		{errors.New("You can only end games that you started"), ClassFatal},
		{errors.New("user rejected transaction"), ClassFatal},
		{errors.New("something odd"), ClassFatal},
		{connectivity(errors.New("something odd")), ClassConnectivity},
		{fatal(errors.New("connection refused")), ClassFatal},
		{context.Canceled, ClassFatal},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestLocalOnlyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fatal(ErrSessionEnded), "This game was already ended."},
		{fatal(ErrNotSessionOwner), "You can only end games that you started."},
		{resource(ErrInsufficientFunds), "Not enough FUSE for gas. Your score was recorded locally."},
		{errors.New("user denied transaction signature"), "Transaction was rejected in your wallet. Your score was recorded locally."},
		{connectivity(&exhaustedError{last: errors.New("refused")}), "Network response took too long. Your score was recorded locally."},
		{context.DeadlineExceeded, "Network response took too long. Your score was recorded locally."},
		{errors.New("weird"), "Could not record your score on the ledger. Your score was recorded locally."},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, LocalOnlyMessage(tt.err), tt.err.Error())
	}
}

func TestExhaustedErrorUnwraps(t *testing.T) {
	err := connectivity(&exhaustedError{last: context.DeadlineExceeded})
	require.ErrorIs(t, err, ErrEndpointsExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "Network error. Please check your connection and try again.", UserMessage(err))
}
