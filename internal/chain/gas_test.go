package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockPriceSource struct {
	mu     sync.Mutex
	prices []*big.Int
	err    error
	calls  int
}

func (m *mockPriceSource) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	i := m.calls
	m.calls++
	if i >= len(m.prices) {
		i = len(m.prices) - 1
	}
	return new(big.Int).Set(m.prices[i]), nil
}

func TestObserveHeadUpdatesBaseFee(t *testing.T) {
	w := NewGasWatcher(&mockPriceSource{prices: []*big.Int{big.NewInt(99)}}, "", big.NewInt(1000), time.Millisecond, time.Second, zap.NewNop())

	note := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xcd0c3e8af590364c09d0fa6a1210faf5","result":{"number":"0x1b4","baseFeePerGas":"0x3b9aca00","parentHash":"0x00"}}}`
	w.observeHead(json.RawMessage(note))

	price, err := w.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("expected streamed base fee 1 gwei, got %s", price)
	}
}

func TestObserveHeadIgnoresOtherMessages(t *testing.T) {
	w := NewGasWatcher(&mockPriceSource{prices: []*big.Int{big.NewInt(42)}}, "", nil, time.Millisecond, time.Second, zap.NewNop())

	w.observeHead(json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":"0xcd0c"}`))
	w.observeHead(json.RawMessage(`not json`))

	price, err := w.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected fallback to source price 42, got %s", price)
	}
}

func TestWaitForAcceptableImmediate(t *testing.T) {
	src := &mockPriceSource{prices: []*big.Int{big.NewInt(500)}}
	w := NewGasWatcher(src, "", big.NewInt(1000), time.Millisecond, time.Second, zap.NewNop())

	price, err := w.WaitForAcceptable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500, got %s", price)
	}
}

func TestWaitForAcceptableAfterDrop(t *testing.T) {
	src := &mockPriceSource{prices: []*big.Int{big.NewInt(2000), big.NewInt(1500), big.NewInt(800)}}
	w := NewGasWatcher(src, "", big.NewInt(1000), time.Millisecond, time.Second, zap.NewNop())

	price, err := w.WaitForAcceptable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("expected 800 once price dropped, got %s", price)
	}
}

func TestWaitForAcceptableTimesOut(t *testing.T) {
	src := &mockPriceSource{prices: []*big.Int{big.NewInt(5000)}}
	w := NewGasWatcher(src, "", big.NewInt(1000), time.Millisecond, 20*time.Millisecond, zap.NewNop())

	_, err := w.WaitForAcceptable(context.Background())
	if !errors.Is(err, ErrGasTooHigh) {
		t.Fatalf("expected ErrGasTooHigh, got %v", err)
	}
}

func TestGasGateDisabled(t *testing.T) {
	src := &mockPriceSource{prices: []*big.Int{big.NewInt(5_000_000_000_000)}}
	w := NewGasWatcher(src, "", nil, time.Millisecond, time.Second, zap.NewNop())

	price, err := w.WaitForAcceptable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Sign() <= 0 {
		t.Fatalf("expected a price back, got %s", price)
	}
}
