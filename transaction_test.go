package twopc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{
		StatusActive, StatusPreparing, StatusPrepared, StatusCommitting,
		StatusCommitted, StatusRollingBack, StatusRolledBack, StatusMixedFailure,
	}

	allowed := map[[2]Status]bool{}
	for _, pair := range [][2]Status{
		{StatusActive, StatusPreparing},
		{StatusActive, StatusRollingBack},
		{StatusPreparing, StatusPrepared},
		{StatusPreparing, StatusRollingBack},
		{StatusPrepared, StatusCommitting},
		{StatusCommitting, StatusCommitted},
		{StatusCommitting, StatusMixedFailure},
		{StatusRollingBack, StatusRolledBack},
	} {
		allowed[pair] = true
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				tx := newTransaction(time.Now(), time.Minute)
				tx.status = from

				err := tx.setStatus(to)
				if allowed[[2]Status{from, to}] {
					if err != nil {
						t.Fatalf("expected transition to be allowed, got: %v", err)
					}
					if tx.status != to {
						t.Fatalf("expected status %s, got %s", to, tx.status)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got: %v", err)
				}
				if tx.status != from {
					t.Fatalf("expected status to stay %s, got %s", from, tx.status)
				}
			})
		}
	}
}

func TestNoTransitionReentersActive(t *testing.T) {
	for from, targets := range transitions {
		for _, to := range targets {
			if to == StatusActive {
				t.Errorf("transition %s -> ACTIVE must not exist", from)
			}
		}
	}
}

func TestTerminalStatusClosesDone(t *testing.T) {
	tx := newTransaction(time.Now(), time.Minute)

	_ = tx.setStatus(StatusRollingBack)
	select {
	case <-tx.Done():
		t.Fatal("expected done to be open while rolling back")
	default:
	}

	_ = tx.setStatus(StatusRolledBack)
	select {
	case <-tx.Done():
	default:
		t.Fatal("expected done to be closed once rolled back")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusActive, "ACTIVE"},
		{StatusPreparing, "PREPARING"},
		{StatusPrepared, "PREPARED"},
		{StatusCommitting, "COMMITTING"},
		{StatusCommitted, "COMMITTED"},
		{StatusRollingBack, "ROLLING_BACK"},
		{StatusRolledBack, "ROLLED_BACK"},
		{StatusMixedFailure, "MIXED_FAILURE"},
		{Status(42), "Status(42)"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}

func TestEnlistRejectsDuplicatesAndInactive(t *testing.T) {
	tx := newTransaction(time.Now(), time.Minute)

	if err := tx.enlist(&fakeParticipant{id: "queue"}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := tx.enlist(&fakeParticipant{id: "queue"}); !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant, got: %v", err)
	}

	tx.status = StatusPreparing
	if err := tx.enlist(&fakeParticipant{id: "store"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got: %v", err)
	}

	got := tx.Participants()
	if len(got) != 1 || got[0].ID != "queue" || got[0].Vote != VoteUndecided {
		t.Fatalf("unexpected participants: %+v", got)
	}
}

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no transaction in a bare context")
	}

	tx := newTransaction(time.Now(), time.Minute)
	got, ok := FromContext(withTransaction(context.Background(), tx))
	if !ok || got != tx {
		t.Fatal("expected transaction to be carried by the context")
	}
}
