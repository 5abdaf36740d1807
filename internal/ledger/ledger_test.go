package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestReserveRejectsOverLeaderAllocation(t *testing.T) {
	l := New()
	if _, err := l.Reserve("A", d("1500"), d("2000"), d("5000")); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve("A", d("600"), d("2000"), d("5000")); err != ErrRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestReserveRejectsOverGlobalCap(t *testing.T) {
	l := New()
	if _, err := l.Reserve("A", d("3000"), d("3000"), d("5000")); err != nil {
		t.Fatalf("reserve A: %v", err)
	}
	if _, err := l.Reserve("B", d("2001"), d("3000"), d("5000")); err != ErrRejected {
		t.Fatalf("expected global cap rejection, got %v", err)
	}
}

func TestReleaseRestoresPriorExposure(t *testing.T) {
	l := New()
	before := l.GlobalExposure()
	token, err := l.Reserve("A", d("500"), d("2000"), d("5000"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !l.ExposureOf("A").IsZero() {
		t.Fatalf("expected exposure restored to zero, got %s", l.ExposureOf("A"))
	}
	if !l.GlobalExposure().Equal(before) {
		t.Fatalf("expected global exposure restored, got %s want %s", l.GlobalExposure(), before)
	}
}

func TestCommitWithoutReserveIsFatal(t *testing.T) {
	l := New()
	err := l.Commit(ReservationToken{id: "forged"}, PositionKey{Market: "m", TokenID: "t"}, "A", "trade1", d("20"), d("0.5"), time.Now())
	if err == nil {
		t.Fatalf("expected LedgerError for commit without reserve")
	}
}

func TestCommitBuildsAverageCostBasis(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "t"}
	now := time.Now()

	tok1, _ := l.Reserve("A", d("10"), d("2000"), d("5000"))
	if err := l.Commit(tok1, key, "A", "trade1", d("20"), d("0.50"), now); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	tok2, _ := l.Reserve("A", d("30"), d("2000"), d("5000"))
	if err := l.Commit(tok2, key, "A", "trade2", d("30"), d("1.00"), now); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	pos, ok := l.PositionOf(key)
	if !ok {
		t.Fatalf("expected position to exist")
	}
	// (20*0.50 + 30*1.00) / 50 = 40/50 = 0.80
	if !pos.AvgEntryPrice.Equal(d("0.8")) {
		t.Fatalf("avg_entry_price = %s, want 0.8", pos.AvgEntryPrice)
	}
	if !pos.Size.Equal(d("50")) {
		t.Fatalf("size = %s, want 50", pos.Size)
	}
}

func TestDuplicateTradeIDIsIdempotent(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "t"}
	now := time.Now()

	tok, _ := l.Reserve("A", d("10"), d("2000"), d("5000"))
	if err := l.Commit(tok, key, "A", "trade1", d("20"), d("0.5"), now); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !l.IsProcessed("trade1") {
		t.Fatalf("expected trade1 to be marked processed")
	}

	before := l.GlobalExposure()
	// A replay should be caught by the orchestrator before ever reaching
	// Reserve/Commit again; here we assert the idempotency marker itself is
	// durable and the ledger state it guards is unaffected by re-checking it.
	if !l.IsProcessed("trade1") {
		t.Fatalf("expected trade1 still processed")
	}
	if !l.GlobalExposure().Equal(before) {
		t.Fatalf("global exposure changed on a no-op replay check")
	}
}

func TestApplyReductionProportionallyReducesExposure(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "t"}
	now := time.Now()

	tok, _ := l.Reserve("A", d("10"), d("2000"), d("5000"))
	l.Commit(tok, key, "A", "trade1", d("20"), d("0.5"), now)

	if err := l.ApplyReduction(key, d("0.5"), d("5"), "trade2", now); err != nil {
		t.Fatalf("apply_reduction: %v", err)
	}

	pos, ok := l.PositionOf(key)
	if !ok {
		t.Fatalf("expected position to still exist after partial reduction")
	}
	if !pos.Size.Equal(d("10")) {
		t.Fatalf("size = %s, want 10", pos.Size)
	}
	if !l.ExposureOf("A").Equal(d("5")) {
		t.Fatalf("exposure_of(A) = %s, want 5", l.ExposureOf("A"))
	}
}

func TestApplyReductionToZeroDeletesPosition(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "t"}
	now := time.Now()

	tok, _ := l.Reserve("A", d("10"), d("2000"), d("5000"))
	l.Commit(tok, key, "A", "trade1", d("20"), d("0.5"), now)

	if err := l.ApplyReduction(key, d("1"), d("10"), "trade2", now); err != nil {
		t.Fatalf("apply_reduction: %v", err)
	}
	if _, ok := l.PositionOf(key); ok {
		t.Fatalf("expected position to be deleted after full exit")
	}
}

func TestApplyReductionNoPositionIsNoOp(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "missing"}
	if err := l.ApplyReduction(key, d("1"), d("10"), "trade1", time.Now()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if !l.IsProcessed("trade1") {
		t.Fatalf("expected no-op SELL to still be marked processed")
	}
}

func TestNoPositionHasNegativeSize(t *testing.T) {
	l := New()
	key := PositionKey{Market: "m", TokenID: "t"}
	now := time.Now()
	tok, _ := l.Reserve("A", d("10"), d("2000"), d("5000"))
	l.Commit(tok, key, "A", "trade1", d("20"), d("0.5"), now)

	// Over-reduce beyond 100%; clamp should prevent negative size.
	l.ApplyReduction(key, d("2"), d("100"), "trade2", now)
	if pos, ok := l.PositionOf(key); ok && pos.Size.LessThan(decimal.Zero) {
		t.Fatalf("mirror position size went negative: %s", pos.Size)
	}
}
