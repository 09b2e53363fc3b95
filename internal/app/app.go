package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/alerts"
	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/chain"
	"morpho-rebalancer/internal/config"
	"morpho-rebalancer/internal/history"
	"morpho-rebalancer/internal/indexer"
	"morpho-rebalancer/internal/market"
	"morpho-rebalancer/internal/metrics"
	"morpho-rebalancer/internal/state"
	"morpho-rebalancer/internal/state/sqlite"
	"morpho-rebalancer/internal/strategy"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	api      *indexer.Client
	subgraph *indexer.SubgraphClient
	chain    *chain.Client
	gas      *chain.GasWatcher
	metrics  *metrics.Metrics
	promSrv  *http.Server
	alerts   *alerts.Telegram
	history  *history.Writer

	paused atomic.Bool

	mu            sync.Mutex
	lastRunAt     time.Time
	lastRunErrors int
	lastRunMoves  int
	lastError     string
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	api := indexer.New(cfg.Indexer.APIEndpoint, cfg.Indexer.APIKey, cfg.Indexer.ChainID, cfg.Indexer.Timeout, log)
	subgraph := indexer.NewSubgraph(cfg.Indexer.SubgraphEndpoint, cfg.Indexer.Timeout, log)

	chainClient, err := chain.NewClient(ctx,
		cfg.Chain.RPCURL,
		common.HexToAddress(cfg.Chain.MorphoAddress),
		common.HexToAddress(cfg.Chain.AgentAddress),
		cfg.Chain.PrivateKey,
		cfg.Chain.CallTimeout,
		log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var maxPriceWei *big.Int
	if cfg.Gas.MaxPriceGwei > 0 {
		maxPriceWei, _ = new(big.Float).Mul(
			big.NewFloat(cfg.Gas.MaxPriceGwei),
			big.NewFloat(params.GWei)).Int(nil)
	}
	gas := chain.NewGasWatcher(chainClient.Eth(), cfg.Gas.WSURL, maxPriceWei, cfg.Gas.PollInterval, cfg.Gas.MaxWait, log)

	m := metrics.NewNoop()
	var promSrv *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		promSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		chainClient.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		api:      api,
		subgraph: subgraph,
		chain:    chainClient,
		gas:      gas,
		metrics:  m,
		promSrv:  promSrv,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		history:  hist,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.chain.Close()
	defer a.history.Close()

	a.history.Start(ctx)
	go func() {
		if err := a.gas.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("gas watcher stopped", zap.Error(err))
		}
	}()
	if a.promSrv != nil {
		go func() {
			if err := a.promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.promSrv.Shutdown(shutdownCtx)
		}()
	}
	op := newOperator(a)
	go op.Run(ctx)

	if err := a.runOnce(ctx); err != nil {
		a.log.Warn("rebalance run failed", zap.Error(err))
	}
	ticker := time.NewTicker(a.cfg.Strategy.RunInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.runOnce(ctx); err != nil {
				a.log.Warn("rebalance run failed", zap.Error(err))
			}
		}
	}
}

func (a *App) runOnce(ctx context.Context) error {
	if a.paused.Load() {
		a.log.Info("run skipped, bot paused")
		return nil
	}
	start := time.Now()
	gasPrice, err := a.gas.WaitForAcceptable(ctx)
	if err != nil {
		a.recordRun(start, 0, 1, err)
		a.metrics.RunsFailed.Inc()
		return fmt.Errorf("gas gate: %w", err)
	}
	users, err := a.subgraph.AuthorizedUsers(ctx, a.chain.SenderAddress())
	if err != nil {
		a.recordRun(start, 0, 1, err)
		a.metrics.RunsFailed.Inc()
		return err
	}
	markets, err := a.api.Markets(ctx)
	if err != nil {
		a.recordRun(start, 0, 1, err)
		a.metrics.RunsFailed.Inc()
		return err
	}
	a.log.Info("starting rebalance pass",
		zap.Int("users", len(users)),
		zap.Int("markets", len(markets)),
		zap.String("gas_price_wei", gasPrice.String()))

	reallocations := 0
	errCount := 0
	for _, user := range users {
		n, err := a.rebalanceUser(ctx, user, markets, gasPrice)
		reallocations += n
		if err != nil {
			if ctx.Err() != nil {
				a.recordRun(start, reallocations, errCount+1, err)
				a.metrics.RunsFailed.Inc()
				return ctx.Err()
			}
			a.metrics.UsersSkipped.Inc()
			errCount++
			a.log.Warn("user pass failed", zap.String("user", user.User.Hex()), zap.Error(err))
		}
	}
	a.recordRun(start, reallocations, errCount, nil)
	a.metrics.RunsCompleted.Inc()
	a.alerts.NotifyRun(ctx, reallocations, errCount)
	a.log.Info("rebalance pass finished",
		zap.Int("reallocations", reallocations),
		zap.Int("errors", errCount),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (a *App) rebalanceUser(ctx context.Context, auth market.UserAuthorization, markets []market.Snapshot, gasPrice *big.Int) (int, error) {
	positions, err := a.api.UserPositions(ctx, auth.User)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}
	caps := market.CapsByMarket(auth.Caps)
	engine := strategy.NewMaxAPY(
		newLiquidityOracle(a.chain, markets),
		a.cfg.Strategy.MaxMarketImpactRatio,
		a.log)
	plan, err := engine.CalculateReallocation(ctx, positions, caps, markets)
	if err != nil {
		return 0, err
	}
	if plan.Empty() {
		return 0, nil
	}
	a.metrics.PlansComputed.Inc()

	byID := market.SnapshotsByID(markets)
	executed := 0
	for _, batch := range splitByLoanAsset(plan.Actions, byID) {
		from, to, err := chain.ComposeRebalanceParams(batch.actions, byID, a.log)
		if err != nil {
			a.log.Warn("skipping unbalanced batch",
				zap.String("user", auth.User.Hex()),
				zap.String("token", batch.token.Hex()),
				zap.Error(err))
			continue
		}
		if a.cfg.Strategy.DryRun {
			a.logDryRun(auth.User, batch)
			executed++
			continue
		}
		txHash, err := a.chain.SendRebalance(ctx, auth.User, batch.token, from, to, gasPrice)
		if err != nil {
			a.metrics.TxFailed.Inc()
			a.recordHistory(auth.User, len(positions), batch.actions, txHash, gasPrice, err)
			return executed, err
		}
		a.metrics.TxSubmitted.Inc()
		a.recordExecution(ctx, auth.User, batch.actions, txHash)
		a.recordHistory(auth.User, len(positions), batch.actions, txHash, gasPrice, nil)
		a.alerts.NotifyReallocation(ctx, auth.User, batch.actions, byID, txHash)
		executed++
	}
	return executed, nil
}

type actionBatch struct {
	token   common.Address
	actions []strategy.MarketAction
}

// splitByLoanAsset partitions a plan into per-loan-token batches, since
// one rebalance call moves exactly one token. Relative action order is
// preserved, so withdrawals stay ahead of supplies within each batch.
func splitByLoanAsset(actions []strategy.MarketAction, byID map[common.Hash]market.Snapshot) []actionBatch {
	var order []common.Address
	grouped := make(map[common.Address][]strategy.MarketAction)
	for _, action := range actions {
		snap, ok := byID[action.MarketID]
		if !ok {
			continue
		}
		token := snap.Descriptor.LoanAsset.Address
		if _, seen := grouped[token]; !seen {
			order = append(order, token)
		}
		grouped[token] = append(grouped[token], action)
	}
	batches := make([]actionBatch, 0, len(order))
	for _, token := range order {
		batches = append(batches, actionBatch{token: token, actions: grouped[token]})
	}
	return batches
}

func (a *App) logDryRun(user common.Address, batch actionBatch) {
	fields := []zap.Field{
		zap.String("user", user.Hex()),
		zap.String("token", batch.token.Hex()),
	}
	for _, action := range batch.actions {
		value := action.Amount.String()
		if action.FullExit() {
			value = action.Shares.String() + " shares"
		}
		fields = append(fields, zap.String(
			fmt.Sprintf("%s_%s", action.Kind, action.MarketID.Hex()[:10]), value))
	}
	a.log.Info("dry run, rebalance not sent", fields...)
}

func (a *App) recordExecution(ctx context.Context, user common.Address, actions []strategy.MarketAction, txHash common.Hash) {
	record := state.PlanRecord{
		User:         user.Hex(),
		TxHash:       txHash.Hex(),
		ExecutedAtMS: time.Now().UnixMilli(),
	}
	for _, action := range actions {
		record.Actions = append(record.Actions, state.PlanActionRecord{
			MarketID: action.MarketID.Hex(),
			Kind:     string(action.Kind),
			Assets:   action.Amount.Raw().String(),
			Shares:   action.Shares.Raw().String(),
		})
	}
	if err := state.SavePlanRecord(ctx, a.store, record); err != nil {
		a.log.Warn("plan record save failed", zap.Error(err))
	}
}

func (a *App) recordHistory(user common.Address, positions int, actions []strategy.MarketAction, txHash common.Hash, gasPrice *big.Int, runErr error) {
	now := time.Now()
	status := "executed"
	errText := ""
	if runErr != nil {
		status = "failed"
		errText = runErr.Error()
	}
	a.history.EnqueueRun(history.RunSummary{
		Time:        now,
		User:        user.Hex(),
		Positions:   positions,
		ActionCount: len(actions),
		TxHash:      txHash.Hex(),
		Status:      status,
		GasPriceWei: gasPrice.String(),
		Error:       errText,
	})
	if runErr != nil {
		return
	}
	for _, action := range actions {
		a.history.EnqueueAction(history.ActionRow{
			Time:     now,
			User:     user.Hex(),
			TxHash:   txHash.Hex(),
			MarketID: action.MarketID.Hex(),
			Kind:     string(action.Kind),
			Assets:   action.Amount.Raw().String(),
			Shares:   action.Shares.Raw().String(),
		})
	}
}

func (a *App) recordRun(start time.Time, moves, errCount int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRunAt = start
	a.lastRunMoves = moves
	a.lastRunErrors = errCount
	if err != nil {
		a.lastError = err.Error()
	} else {
		a.lastError = ""
	}
}

func (a *App) status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	stateText := "running"
	if a.paused.Load() {
		stateText = "paused"
	}
	if a.lastRunAt.IsZero() {
		return fmt.Sprintf("Bot %s, no completed run yet", stateText)
	}
	msg := fmt.Sprintf("Bot %s\nLast run: %s\nReallocations: %d\nErrors: %d",
		stateText, a.lastRunAt.UTC().Format(time.RFC3339), a.lastRunMoves, a.lastRunErrors)
	if a.lastError != "" {
		msg += "\nLast error: " + a.lastError
	}
	return msg
}

// liquidityOracle adapts the chain client's raw liquidity read to the
// engine's amount-typed interface using per-market loan decimals.
type liquidityOracle struct {
	reader   liquidityReader
	decimals map[common.Hash]int
}

type liquidityReader interface {
	MarketLiquidity(ctx context.Context, id common.Hash) (*big.Int, error)
}

func newLiquidityOracle(reader liquidityReader, markets []market.Snapshot) *liquidityOracle {
	decimals := make(map[common.Hash]int, len(markets))
	for _, snap := range markets {
		decimals[snap.Descriptor.ID] = snap.Descriptor.LoanAsset.Decimals
	}
	return &liquidityOracle{reader: reader, decimals: decimals}
}

func (o *liquidityOracle) AvailableLiquidity(ctx context.Context, marketID common.Hash) (amount.Amount, error) {
	dec, ok := o.decimals[marketID]
	if !ok {
		return amount.Amount{}, fmt.Errorf("unknown market %s", marketID.Hex())
	}
	raw, err := o.reader.MarketLiquidity(ctx, marketID)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromRaw(raw, dec)
}
