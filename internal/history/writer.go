package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"morpho-rebalancer/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// RunSummary is one per-user rebalance pass.
type RunSummary struct {
	Time        time.Time
	User        string
	Positions   int
	ActionCount int
	TxHash      string
	Status      string
	GasPriceWei string
	Error       string
}

// ActionRow is one executed plan action.
type ActionRow struct {
	Time     time.Time
	User     string
	TxHash   string
	MarketID string
	Kind     string
	Assets   string
	Shares   string
}

// Writer persists run history to Postgres asynchronously. Inserts are
// queued and dropped with a warning when the queue is full, so a slow
// database never stalls the rebalance loop.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	runs        chan RunSummary
	actions     chan ActionRow
	started     atomic.Bool
	dropRuns    atomic.Uint64
	dropActions atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		runs:    make(chan RunSummary, queueSize),
		actions: make(chan ActionRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRun(summary RunSummary) {
	if w == nil {
		return
	}
	select {
	case w.runs <- summary:
		return
	default:
		if w.dropRuns.Add(1) == 1 && w.log != nil {
			w.log.Warn("history run queue full")
		}
	}
}

func (w *Writer) EnqueueAction(row ActionRow) {
	if w == nil {
		return
	}
	select {
	case w.actions <- row:
		return
	default:
		if w.dropActions.Add(1) == 1 && w.log != nil {
			w.log.Warn("history action queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case summary := <-w.runs:
			w.writeRun(ctx, summary)
		case row := <-w.actions:
			w.writeAction(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_address TEXT NOT NULL,
		positions INTEGER NOT NULL,
		action_count INTEGER NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		gas_price_wei TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("rebalance_runs"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_address TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		market_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		assets TEXT NOT NULL,
		shares TEXT NOT NULL
	)`, w.table("rebalance_actions"))); err != nil {
		return err
	}
	return nil
}

func (w *Writer) writeRun(ctx context.Context, summary RunSummary) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_address, positions, action_count, tx_hash, status, gas_price_wei, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("rebalance_runs"))
	if _, err := w.db.ExecContext(ctx, query,
		summary.Time,
		summary.User,
		summary.Positions,
		summary.ActionCount,
		summary.TxHash,
		summary.Status,
		summary.GasPriceWei,
		summary.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history run insert failed", zap.Error(err))
	}
}

func (w *Writer) writeAction(ctx context.Context, row ActionRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_address, tx_hash, market_id, kind, assets, shares
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("rebalance_actions"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.User,
		row.TxHash,
		row.MarketID,
		row.Kind,
		row.Assets,
		row.Shares,
	); err != nil && w.log != nil {
		w.log.Warn("history action insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
