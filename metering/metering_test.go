package metering

import "testing"

func TestEstimateTokensEmptyText(t *testing.T) {
	te := NewTokenEstimator(4.0)
	if got := te.EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
}

func TestEstimateTokensScalesWithRatio(t *testing.T) {
	text := "01234567"
	te4 := NewTokenEstimator(4.0)
	te2 := NewTokenEstimator(2.0)
	if got := te4.EstimateTokens(text); got != 2+3 {
		t.Errorf("EstimateTokens with ratio 4 = %d, want %d", got, 2+3)
	}
	if got := te2.EstimateTokens(text); got != 4+3 {
		t.Errorf("EstimateTokens with ratio 2 = %d, want %d", got, 4+3)
	}
}

func TestNewTokenEstimatorDefaultsNonPositiveRatio(t *testing.T) {
	te := NewTokenEstimator(0)
	want := NewTokenEstimator(4.0).EstimateTokens("hello world")
	if got := te.EstimateTokens("hello world"); got != want {
		t.Errorf("non-positive ratio estimator = %d, want default-ratio estimate %d", got, want)
	}
}

func TestEstimateMessagesTokensSumsOverhead(t *testing.T) {
	te := NewTokenEstimator(4.0)
	msgs := []Message{
		{Role: "user", Content: "01234567"},
		{Role: "assistant", Content: "01234567", Name: "bot"},
	}
	got := te.EstimateMessagesTokens(msgs)
	// Each message: 4 (role overhead) + EstimateTokens(content); second adds
	// EstimateTokens(name); plus a flat 2 at the end.
	want := (4 + te.EstimateTokens("01234567")) + (4 + te.EstimateTokens("01234567") + te.EstimateTokens("bot")) + 2
	if got != want {
		t.Errorf("EstimateMessagesTokens = %d, want %d", got, want)
	}
}

func TestReservationLifecycleReserveSettle(t *testing.T) {
	store := NewReservationStore()
	store.Reserve("req-1", "gpt-4", "alice", "app", "proj", 0.05, 100)

	r, ok := store.Get("req-1")
	if !ok || r.Status != StatusReserved {
		t.Fatalf("Get after Reserve = %+v, %v, want StatusReserved", r, ok)
	}

	settled, err := store.Settle("req-1", 0.04, 120)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settled.Status != StatusSettled || settled.ActualCost != 0.04 || settled.OutputTokens != 120 {
		t.Errorf("settled reservation = %+v, want ActualCost=0.04 OutputTokens=120 Status=settled", settled)
	}
	if settled.SettledAt == nil {
		t.Error("SettledAt not set after Settle")
	}

	if _, err := store.Settle("req-1", 0.01, 1); err != ErrReservationAlreadySettled {
		t.Errorf("double Settle = %v, want ErrReservationAlreadySettled", err)
	}
}

func TestReservationRefund(t *testing.T) {
	store := NewReservationStore()
	store.Reserve("req-2", "gpt-4", "alice", "app", "proj", 0.05, 100)

	refunded, err := store.Refund("req-2")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != StatusRefunded || refunded.ActualCost != 0 {
		t.Errorf("refunded reservation = %+v, want Status=refunded ActualCost=0", refunded)
	}
}

func TestReservationNotFound(t *testing.T) {
	store := NewReservationStore()
	if _, err := store.Settle("missing", 0, 0); err != ErrReservationNotFound {
		t.Errorf("Settle(missing) = %v, want ErrReservationNotFound", err)
	}
	if _, err := store.Refund("missing"); err != ErrReservationNotFound {
		t.Errorf("Refund(missing) = %v, want ErrReservationNotFound", err)
	}
	if _, ok := store.Get("missing"); ok {
		t.Errorf("Get(missing) ok = true, want false")
	}
}
