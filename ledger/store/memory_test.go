package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/ledger/store"
)

func creditTx(org ledger.OrganizationID, id string, ts time.Time, q string) ledger.Transaction {
	return ledger.Transaction{
		Record: ledger.Record{
			Kind:         ledger.KindCredit,
			VehicleClass: ledger.VehicleReportable,
			CreditClass:  ledger.CreditA,
			ModelYear:    2024,
			Quantity:     decimal.RequireFromString(q),
		},
		ID:             id,
		OrganizationID: org,
		Timestamp:      ts,
		ReferenceType:  ledger.RefAgreement,
		ReferenceID:    "agr-" + id,
	}
}

func TestMemory_TransactionsOrderedAndWindowed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	t1 := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of order
	mem.Seed(creditTx("org-1", "c", t3, "3"), creditTx("org-1", "a", t1, "1"), creditTx("org-1", "b", t2, "2"))

	all, err := mem.Transactions(ctx, "org-1", ledger.Window{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, "c", all[2].ID)

	windowed, err := mem.Transactions(ctx, "org-1", ledger.Window{From: t2, To: t3})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "b", windowed[0].ID)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	boom := errors.New("boom")

	err := mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
		require.NoError(t, tx.AppendTransactions(ctx, []ledger.Transaction{creditTx("org-1", "t1", time.Now(), "5")}))
		require.NoError(t, tx.SaveEndingBalances(ctx, "org-1", 2023, nil))
		require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "h1", OrganizationID: "org-1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := mem.Transactions(ctx, "org-1", ledger.Window{})
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, ok, err := mem.MostRecentSnapshotYear(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, mem.AllHistory())
}

func TestMemory_WithTx_SeesItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
		if err := tx.AppendTransactions(ctx, []ledger.Transaction{creditTx("org-1", "t1", time.Now(), "5")}); err != nil {
			return err
		}
		txs, err := tx.Transactions(ctx, "org-1", ledger.Window{})
		if err != nil {
			return err
		}
		assert.Len(t, txs, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_DuplicateTransactionIDRejected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.Seed(creditTx("org-1", "t1", time.Now(), "5"))

	err := mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
		return tx.AppendTransactions(ctx, []ledger.Transaction{
			creditTx("org-1", "t2", time.Now(), "1"),
			creditTx("org-1", "t1", time.Now(), "1"),
		})
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	txs, _ := mem.Transactions(ctx, "org-1", ledger.Window{})
	assert.Len(t, txs, 1, "batch is all-or-nothing")
}

func TestMemory_DuplicateIDWithinBatchRejected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
		return tx.AppendTransactions(ctx, []ledger.Transaction{
			creditTx("org-1", "t1", time.Now(), "1"),
			creditTx("org-1", "t1", time.Now(), "2"),
		})
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	txs, _ := mem.Transactions(ctx, "org-1", ledger.Window{})
	assert.Empty(t, txs)
}

func TestMemory_WithTx_RollsBackOnPanic(t *testing.T) {
	// GIVEN: A transaction that writes and then panics
	// WHEN: The panic propagates out of WithTx
	// THEN: Nothing it wrote is visible and the store is still usable

	ctx := context.Background()
	mem := store.NewMemory()

	assert.PanicsWithValue(t, "boom", func() {
		_ = mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
			require.NoError(t, tx.AppendTransactions(ctx, []ledger.Transaction{creditTx("org-1", "t1", time.Now(), "5")}))
			require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "h1", OrganizationID: "org-1"}))
			panic("boom")
		})
	})

	txs, err := mem.Transactions(ctx, "org-1", ledger.Window{})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, mem.AllHistory())

	// The id is free again and the lock was released.
	err = mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
		return tx.AppendTransactions(ctx, []ledger.Transaction{creditTx("org-1", "t1", time.Now(), "5")})
	})
	require.NoError(t, err)
}

func TestMemory_EndingBalancesAreImmutable(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	rows := []ledger.EndingBalance{{
		Record:         creditTx("org-1", "x", time.Now(), "4").Record,
		OrganizationID: "org-1",
		ComplianceYear: 2023,
	}}

	save := func(year int) error {
		return mem.WithTx(ctx, "org-1", func(tx ledger.Tx) error {
			return tx.SaveEndingBalances(ctx, "org-1", year, rows)
		})
	}

	require.NoError(t, save(2023))
	assert.ErrorIs(t, save(2023), ledger.ErrSnapshotExists)
	require.NoError(t, save(2022))

	year, ok, err := mem.MostRecentSnapshotYear(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2023, year)

	got, err := mem.SnapshotRecords(ctx, "org-1", 2023)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, decimal.RequireFromString("4").Equal(got[0].Quantity))
}

func TestMemory_Organizations(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.Seed(creditTx("org-b", "1", time.Now(), "1"), creditTx("org-a", "2", time.Now(), "1"))
	require.NoError(t, mem.WithTx(ctx, "org-c", func(tx ledger.Tx) error {
		return tx.SaveEndingBalances(ctx, "org-c", 2020, nil)
	}))

	orgs, err := mem.Organizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.OrganizationID{"org-a", "org-b", "org-c"}, orgs)
}
