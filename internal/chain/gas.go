package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// ErrGasTooHigh means the network price stayed above the configured
// ceiling for the whole wait window.
var ErrGasTooHigh = errors.New("gas price stayed above ceiling")

// PriceSource supplies the current network gas price. *ethclient.Client
// satisfies it.
type PriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// baseFeeStaleAfter bounds how long a websocket-delivered base fee is
// trusted before falling back to polling the node.
const baseFeeStaleAfter = time.Minute

// GasWatcher gates transaction submission on the network gas price.
// When a websocket endpoint is configured it tracks baseFeePerGas from
// newHeads pushes; otherwise it polls SuggestGasPrice.
type GasWatcher struct {
	source       PriceSource
	feed         *headFeed
	maxPrice     *big.Int
	pollInterval time.Duration
	maxWait      time.Duration
	log          *zap.Logger

	mu        sync.RWMutex
	baseFee   *big.Int
	baseFeeAt time.Time
}

// NewGasWatcher builds a watcher. maxPriceWei nil or zero disables the
// gate entirely. wsURL may be empty, in which case Run is a no-op and
// prices come from the source on demand.
func NewGasWatcher(source PriceSource, wsURL string, maxPriceWei *big.Int, pollInterval, maxWait time.Duration, log *zap.Logger) *GasWatcher {
	w := &GasWatcher{
		source:       source,
		maxPrice:     maxPriceWei,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		log:          log,
	}
	if wsURL != "" {
		w.feed = newHeadFeed(wsURL, pollInterval, log)
	}
	return w
}

// Run drives the newHeads stream until ctx is cancelled. Without a
// websocket endpoint it just waits for cancellation.
func (w *GasWatcher) Run(ctx context.Context) error {
	if w.feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.feed.Run(ctx, w.observeHead)
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number     *hexutil.Big `json:"number"`
			BaseFee    *hexutil.Big `json:"baseFeePerGas"`
			ParentHash string       `json:"parentHash"`
		} `json:"result"`
	} `json:"params"`
}

func (w *GasWatcher) observeHead(raw json.RawMessage) {
	var note headNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return
	}
	if note.Method != "eth_subscription" || note.Params.Result.BaseFee == nil {
		return
	}
	fee := note.Params.Result.BaseFee.ToInt()
	w.mu.Lock()
	w.baseFee = fee
	w.baseFeeAt = time.Now()
	w.mu.Unlock()
	fields := []zap.Field{zap.String("base_fee_wei", fee.String())}
	if note.Params.Result.Number != nil {
		fields = append(fields, zap.Uint64("block", note.Params.Result.Number.ToInt().Uint64()))
	}
	w.log.Debug("observed base fee", fields...)
}

// CurrentPrice returns the freshest known gas price: the streamed base
// fee when recent, the node's suggestion otherwise.
func (w *GasWatcher) CurrentPrice(ctx context.Context) (*big.Int, error) {
	w.mu.RLock()
	fee, at := w.baseFee, w.baseFeeAt
	w.mu.RUnlock()
	if fee != nil && time.Since(at) < baseFeeStaleAfter {
		return new(big.Int).Set(fee), nil
	}
	return w.source.SuggestGasPrice(ctx)
}

// WaitForAcceptable blocks until the gas price drops to or below the
// ceiling, then returns it. It gives up with ErrGasTooHigh after the
// configured maximum wait.
func (w *GasWatcher) WaitForAcceptable(ctx context.Context) (*big.Int, error) {
	price, err := w.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}
	if w.acceptable(price) {
		return price, nil
	}
	w.log.Info("gas price above ceiling, waiting",
		zap.String("price_wei", price.String()),
		zap.String("ceiling_wei", w.maxPrice.String()))

	deadline := time.NewTimer(w.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s (last seen %s wei)", ErrGasTooHigh, w.maxWait, price)
		case <-ticker.C:
			price, err = w.CurrentPrice(ctx)
			if err != nil {
				w.log.Warn("gas price check failed", zap.Error(err))
				continue
			}
			if w.acceptable(price) {
				return price, nil
			}
		}
	}
}

func (w *GasWatcher) acceptable(price *big.Int) bool {
	if w.maxPrice == nil || w.maxPrice.Sign() == 0 {
		return true
	}
	return price.Cmp(w.maxPrice) <= 0
}
