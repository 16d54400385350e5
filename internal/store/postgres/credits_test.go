package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/store"
)

func TestInsertCreditMapsTriggerVetoToErrInsufficientCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO credits").WillReturnError(&pq.Error{
		Code:    "P0001",
		Message: `Insert would cause SUM(credits) for account "eth:aaaa" to be less than 0`,
	})

	_, err = New(db).InsertCredit(context.Background(), credit.Entry{Account: "eth:aaaa", Credits: -1})
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestInsertCreditPassesThroughOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO credits").WillReturnError(errors.New("connection reset by peer"))

	_, err = New(db).InsertCredit(context.Background(), credit.Entry{Account: "eth:aaaa", Credits: -1})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("a transient store error must not read as an invariant veto: %v", err)
	}
}
