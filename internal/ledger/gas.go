package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/pkg/errors"
)

// txPlan reads nonce, gas price, balance and gas estimate from ep and
// derives the options a submission is sent with.
func (g *Gateway) txPlan(ctx context.Context, ep Endpoint, from common.Address, call Call) (TxOpts, error) {
	var opts TxOpts

	nonce, err := withTimeout(ctx, g.cfg.RequestTimeout(), func(ctx context.Context) (uint64, error) {
		return ep.Nonce(ctx, from)
	})
	if err != nil {
		return opts, connectivity(errors.Wrap(err, "nonce"))
	}
	opts.Nonce = nonce

	price, err := withTimeout(ctx, g.cfg.RequestTimeout(), ep.GasPrice)
	if err != nil || price == nil || price.Sign() <= 0 {
		logger.Warnf("gas price unavailable on %s, using %d gwei: %v", ep.URL(), g.cfg.FallbackGasPriceGwei, err)
		price = new(big.Int).Mul(new(big.Int).SetUint64(g.cfg.FallbackGasPriceGwei), big.NewInt(params.GWei))
	} else {
		price = scalePercent(price, g.cfg.GasPriceMultiplierPercent)
	}
	opts.GasPrice = price

	balance, err := withTimeout(ctx, g.cfg.RequestTimeout(), func(ctx context.Context) (*big.Int, error) {
		return ep.Balance(ctx, from)
	})
	if err != nil {
		return opts, connectivity(errors.Wrap(err, "balance"))
	}
	required := new(big.Int).Mul(price, new(big.Int).SetUint64(g.cfg.BalanceCheckGasUnits))
	if balance.Cmp(required) < 0 {
		return opts, resource(errors.Wrapf(ErrInsufficientFunds, "balance %s below %s", balance, required))
	}

	estimate, err := withTimeout(ctx, g.cfg.RequestTimeout(), func(ctx context.Context) (uint64, error) {
		return ep.EstimateGas(ctx, from, call)
	})
	switch {
	case err == nil:
		opts.GasLimit = scalePercent(new(big.Int).SetUint64(estimate), g.cfg.GasLimitMultiplierPercent).Uint64()
	case strings.Contains(strings.ToLower(err.Error()), "insufficient funds"):
		return opts, resource(errors.Wrap(ErrInsufficientFunds, err.Error()))
	case strings.Contains(strings.ToLower(err.Error()), "execution reverted"):
		return opts, fatal(errors.Wrap(err, "transaction would fail"))
	default:
		logger.Warnf("gas estimation failed on %s, using %d: %v", ep.URL(), g.cfg.FallbackGasLimit, err)
		opts.GasLimit = g.cfg.FallbackGasLimit
	}

	return opts, nil
}

func scalePercent(v *big.Int, percent uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(percent))
	return out.Quo(out, big.NewInt(100))
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
