package state

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
)

const planRecordKeyPrefix = "plan:last:"

// PlanActionRecord is one executed action, with amounts kept as decimal
// strings of raw token units.
type PlanActionRecord struct {
	MarketID string `msgpack:"market_id"`
	Kind     string `msgpack:"kind"`
	Assets   string `msgpack:"assets"`
	Shares   string `msgpack:"shares"`
}

// PlanRecord is the last reallocation executed for a user, kept so
// operators can inspect what the bot most recently did on their behalf.
type PlanRecord struct {
	User         string             `msgpack:"user"`
	Actions      []PlanActionRecord `msgpack:"actions"`
	TxHash       string             `msgpack:"tx_hash"`
	ExecutedAtMS int64              `msgpack:"executed_at_ms"`
}

func planRecordKey(user common.Address) string {
	return planRecordKeyPrefix + user.Hex()
}

func LoadPlanRecord(ctx context.Context, store Store, user common.Address) (PlanRecord, bool, error) {
	if store == nil {
		return PlanRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, planRecordKey(user))
	if err != nil || !ok {
		return PlanRecord{}, false, err
	}
	var record PlanRecord
	if err := msgpack.Unmarshal(raw, &record); err != nil {
		return PlanRecord{}, false, err
	}
	return record, true, nil
}

func SavePlanRecord(ctx context.Context, store Store, record PlanRecord) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, planRecordKey(common.HexToAddress(record.User)), payload)
}
