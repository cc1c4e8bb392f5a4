package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestLedger_InAndOut(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	got, err := l.TransferIn(ctx, "cDAI", "alice", d(100))
	if err != nil || !got.Equal(d(100)) {
		t.Fatalf("expected 100 received, got %s (%v)", got, err)
	}
	if _, err := l.TransferIn(ctx, "cDAI", "bob", d(50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An account can take out more than it put in while custody covers it.
	if err := l.TransferOut(ctx, "cDAI", "alice", d(120)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Total("cDAI").Equal(d(30)) {
		t.Errorf("expected total 30, got %s", l.Total("cDAI"))
	}
	if !l.NetDeposits("cDAI", "alice").Equal(d(-20)) {
		t.Errorf("expected alice net -20, got %s", l.NetDeposits("cDAI", "alice"))
	}
}

func TestLedger_InsufficientCustody(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if _, err := l.TransferIn(ctx, "cDAI", "alice", d(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := l.TransferOut(ctx, "cDAI", "alice", d(11))
	if !errors.Is(err, ErrInsufficientCustody) {
		t.Errorf("expected ErrInsufficientCustody, got %v", err)
	}
	err = l.TransferOut(ctx, "cETH", "alice", d(1))
	if !errors.Is(err, ErrInsufficientCustody) {
		t.Errorf("expected ErrInsufficientCustody for another token, got %v", err)
	}
	if !l.Total("cDAI").Equal(d(10)) {
		t.Errorf("failed transfer changed total: %s", l.Total("cDAI"))
	}
}

func TestLedger_RejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if _, err := l.TransferIn(ctx, "cDAI", "alice", d(0)); !errors.Is(err, model.ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
	if err := l.TransferOut(ctx, "cDAI", "alice", d(-1)); !errors.Is(err, model.ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}
