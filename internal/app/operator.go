package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/state"
)

const helpText = `Commands:
/status - show bot state and last run
/last <user> - show the last plan executed for a user
/pause - stop executing rebalances
/resume - resume executing rebalances
/help - this message`

// operator handles Telegram chat commands so a human can inspect and
// pause the bot without shell access.
type operator struct {
	app    *App
	log    *zap.Logger
	offset int64
}

func newOperator(a *App) *operator {
	return &operator{app: a, log: a.log}
}

func (o *operator) Run(ctx context.Context) {
	if !o.app.alerts.Enabled() {
		return
	}
	ticker := time.NewTicker(o.app.cfg.Telegram.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

func (o *operator) poll(ctx context.Context) {
	updates, err := o.app.alerts.GetUpdates(ctx, o.offset, 0)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.Warn("operator update poll failed", zap.Error(err))
		}
		return
	}
	for _, update := range updates {
		if update.UpdateID >= o.offset {
			o.offset = update.UpdateID + 1
		}
		if update.Message == nil {
			continue
		}
		o.handle(ctx, strings.TrimSpace(update.Message.Text))
	}
}

func (o *operator) handle(ctx context.Context, command string) {
	var reply string
	args := strings.Fields(command)
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "/status":
		reply = o.app.status()
	case "/last":
		reply = o.lastPlan(ctx, args)
	case "/pause":
		o.app.paused.Store(true)
		reply = "Paused. No rebalances will be executed until /resume."
	case "/resume":
		o.app.paused.Store(false)
		reply = "Resumed."
	case "/help":
		reply = helpText
	default:
		if strings.HasPrefix(command, "/") {
			reply = "Unknown command. " + helpText
		}
	}
	if reply == "" {
		return
	}
	o.audit(ctx, command)
	if err := o.app.alerts.Send(ctx, reply); err != nil {
		o.log.Warn("operator reply failed", zap.Error(err))
	}
}

func (o *operator) lastPlan(ctx context.Context, args []string) string {
	if len(args) != 2 || !common.IsHexAddress(args[1]) {
		return "Usage: /last <user address>"
	}
	record, ok, err := state.LoadPlanRecord(ctx, o.app.store, common.HexToAddress(args[1]))
	if err != nil {
		return "Plan lookup failed: " + err.Error()
	}
	if !ok {
		return "No executed plan recorded for " + args[1]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last plan for %s at %s\nTx: %s\n", record.User,
		time.UnixMilli(record.ExecutedAtMS).UTC().Format(time.RFC3339), record.TxHash)
	for _, action := range record.Actions {
		fmt.Fprintf(&b, "- %s %s assets / %s shares in %s\n",
			action.Kind, action.Assets, action.Shares, action.MarketID[:10])
	}
	return b.String()
}

func (o *operator) audit(ctx context.Context, command string) {
	entry := time.Now().UTC().Format(time.RFC3339) + " " + command
	if err := o.app.store.Set(ctx, "operator:last_command", []byte(entry)); err != nil {
		o.log.Warn("operator audit write failed", zap.Error(err))
	}
}
