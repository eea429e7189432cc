package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeva/credit-engine/ledger"
)

// =============================================================================
// SUBSTITUTION AND ORDERING
// =============================================================================

func TestApplyOutgoing_ASubstitutesForB(t *testing.T) {
	// GIVEN: A MY2024 = 10, B MY2024 = 0
	// WHEN: Transferring 5 B MY2024
	// THEN: A MY2024 drops to 5, B stays at 0

	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2024, "10"),
		credit(ledger.CreditB, 2024, "0"),
	})

	next, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditB, 2024, "5")})
	require.NoError(t, err)

	assert.True(t, qty("5").Equal(next.Get(ledger.KindCredit, rep, ledger.CreditA, 2024)))
	assert.True(t, next.Get(ledger.KindCredit, rep, ledger.CreditB, 2024).IsZero())
}

func TestApplyOutgoing_BNeverSubstitutesForA(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditB, 2024, "10")})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "1")})
	assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)
}

func TestApplyOutgoing_LegacyCOnlySatisfiesC(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2020, "10"),
		credit(ledger.CreditC, 2020, "2"),
	})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditC, 2020, "3")})
	assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)

	next, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditC, 2020, "2")})
	require.NoError(t, err)
	assert.True(t, qty("10").Equal(next.Get(ledger.KindCredit, rep, ledger.CreditA, 2020)))
}

func TestApplyOutgoing_OldestModelYearFirst(t *testing.T) {
	// GIVEN: B MY2023 = 3, B MY2024 = 10
	// WHEN: Transferring 5 B without a model year
	// THEN: MY2023 is drained to 0 and MY2024 drops to 8

	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditB, 2023, "3"),
		credit(ledger.CreditB, 2024, "10"),
	})

	d, err := ledger.Deplete(b, ledger.Movement{line(ledger.CreditB, 0, "5")})
	require.NoError(t, err)

	assert.True(t, d.Balance.Get(ledger.KindCredit, rep, ledger.CreditB, 2023).IsZero())
	assert.True(t, qty("8").Equal(d.Balance.Get(ledger.KindCredit, rep, ledger.CreditB, 2024)))

	require.Len(t, d.Draws, 2)
	assert.Equal(t, ledger.ModelYear(2023), d.Draws[0].ModelYear)
	assert.True(t, qty("3").Equal(d.Draws[0].Quantity))
	assert.Equal(t, ledger.ModelYear(2024), d.Draws[1].ModelYear)
	assert.True(t, qty("2").Equal(d.Draws[1].Quantity))
}

func TestApplyOutgoing_ModelYearScopesTheLine(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2023, "10")})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "1")})
	assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)
}

func TestApplyOutgoing_UnspecifiedDrainsBBeforeA(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2024, "5"),
		credit(ledger.CreditB, 2024, "3"),
	})

	d, err := ledger.Deplete(b, ledger.Movement{line(ledger.CreditUnspecified, 0, "6")})
	require.NoError(t, err)

	assert.True(t, d.Balance.Get(ledger.KindCredit, rep, ledger.CreditB, 2024).IsZero())
	assert.True(t, qty("2").Equal(d.Balance.Get(ledger.KindCredit, rep, ledger.CreditA, 2024)))

	require.Len(t, d.Draws, 2)
	assert.Equal(t, ledger.CreditB, d.Draws[0].CreditClass)
	assert.Equal(t, ledger.CreditA, d.Draws[1].CreditClass)
}

func TestApplyOutgoing_VehicleClassesDoNotMix(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{
		{Kind: ledger.KindCredit, VehicleClass: nonRep, CreditClass: ledger.CreditA, ModelYear: 2024, Quantity: qty("10")},
	})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "1")})
	assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)
}

func TestApplyOutgoing_LinesAppliedInCallerOrder(t *testing.T) {
	// The first line takes the A bucket that the second line would need.
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2024, "5")})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{
		line(ledger.CreditB, 2024, "5"),
		line(ledger.CreditA, 2024, "1"),
	})
	var unc *ledger.UncoveredMovementError
	require.True(t, errors.As(err, &unc))
	assert.Equal(t, 1, unc.Index)
}

// =============================================================================
// COVERAGE FAILURES
// =============================================================================

func TestApplyOutgoing_Uncovered_ReportsRemainder(t *testing.T) {
	// GIVEN: A MY2024 = 3
	// WHEN: Transferring 10 A MY2024
	// THEN: UncoveredMovement with remainder 7

	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2024, "3")})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "10")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)

	var unc *ledger.UncoveredMovementError
	require.True(t, errors.As(err, &unc))
	assert.Equal(t, 0, unc.Index)
	assert.True(t, qty("7").Equal(unc.Remainder), "got remainder %s", unc.Remainder)
}

func TestApplyOutgoing_Uncovered_RemainderAfterSubstitution(t *testing.T) {
	// GIVEN: A MY2024 = 2, B MY2024 = 1
	// WHEN: Requesting 10 of class B (B first, then A stands in)
	// THEN: UncoveredMovement with remainder 7

	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2024, "2"),
		credit(ledger.CreditB, 2024, "1"),
	})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditB, 0, "10")})

	var unc *ledger.UncoveredMovementError
	require.True(t, errors.As(err, &unc))
	assert.Equal(t, 0, unc.Index)
	assert.True(t, qty("7").Equal(unc.Remainder), "got remainder %s", unc.Remainder)
}

func TestApplyOutgoing_AllOrNothing_InputUntouched(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2024, "4"),
		credit(ledger.CreditB, 2023, "2"),
	})
	before := b.Clone()

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{
		line(ledger.CreditB, 0, "2"),
		line(ledger.CreditA, 2024, "4.01"),
	})
	require.ErrorIs(t, err, ledger.ErrUncoveredMovement)

	assert.True(t, before.Equal(b), "failed movement must not modify the input balance")
	assert.True(t, qty("2").Equal(b.Get(ledger.KindCredit, rep, ledger.CreditB, 2023)))
}

func TestApplyOutgoing_SuccessDoesNotMutateInput(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2024, "4")})

	next, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "4")})
	require.NoError(t, err)

	assert.True(t, qty("4").Equal(b.Get(ledger.KindCredit, rep, ledger.CreditA, 2024)))
	assert.True(t, next.Get(ledger.KindCredit, rep, ledger.CreditA, 2024).IsZero())
}

func TestApplyOutgoing_NeverLeavesNegativeBuckets(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{
		credit(ledger.CreditA, 2020, "1.25"),
		credit(ledger.CreditA, 2022, "3"),
		credit(ledger.CreditB, 2021, "0.75"),
		credit(ledger.CreditB, 2022, "2"),
	})

	movements := []ledger.Movement{
		{line(ledger.CreditB, 0, "7.00")},
		{line(ledger.CreditUnspecified, 0, "0.01"), line(ledger.CreditA, 2022, "3")},
		{line(ledger.CreditB, 2022, "5")},
		{line(ledger.CreditA, 0, "4.25")},
		{line(ledger.CreditA, 0, "4.26")},
	}

	for _, m := range movements {
		next, err := ledger.ApplyOutgoing(b, m)
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrUncoveredMovement)
			continue
		}
		assert.False(t, next.HasNegative(), "movement %v left a negative bucket", m)

		// Nothing is created or destroyed: drawn + remaining = original
		drawn := m.Total()
		before := b.Total(ledger.KindCredit, rep, ledger.CreditA).Add(b.Total(ledger.KindCredit, rep, ledger.CreditB))
		after := next.Total(ledger.KindCredit, rep, ledger.CreditA).Add(next.Total(ledger.KindCredit, rep, ledger.CreditB))
		assert.True(t, before.Sub(drawn).Equal(after))
	}
}

func TestApplyOutgoing_MalformedLine(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2024, "4")})

	_, err := ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "1.001")})
	assert.ErrorIs(t, err, ledger.ErrMalformedRecord)

	_, err = ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2024, "-1")})
	assert.ErrorIs(t, err, ledger.ErrMalformedRecord)

	_, err = ledger.ApplyOutgoing(b, ledger.Movement{line(ledger.CreditA, 2017, "1")})
	assert.ErrorIs(t, err, ledger.ErrMalformedRecord)
}

func TestApplyOutgoing_EmptyMovement(t *testing.T) {
	b := mustAggregate(nil, []ledger.Record{credit(ledger.CreditA, 2024, "4")})

	next, err := ledger.ApplyOutgoing(b, nil)
	require.NoError(t, err)
	assert.True(t, b.Equal(next))
}

// =============================================================================
// SETTLING RECORDED HISTORY
// =============================================================================

// history builds org-1 transactions one day apart, in the order given.
func history(records ...ledger.Record) []ledger.Transaction {
	txs := make([]ledger.Transaction, len(records))
	for i, r := range records {
		txs[i] = transaction("org-1", fmt.Sprintf("t%d", i), at(2024, time.November, 1).AddDate(0, 0, i), r)
	}
	return txs
}

func mustReplay(t *testing.T, snapshot []ledger.EndingBalance, txs []ledger.Transaction) ledger.Balance {
	t.Helper()
	b, err := ledger.Replay(snapshot, txs)
	require.NoError(t, err)
	return b
}

func TestReplay_TransferAwayIsPinnedToItsModelYear(t *testing.T) {
	settled := mustReplay(t, nil, history(
		credit(ledger.CreditA, 2020, "5"),
		credit(ledger.CreditA, 2021, "5"),
		rec(ledger.KindTransferAway, ledger.CreditA, 2021, "3"),
	))

	assert.True(t, qty("5").Equal(settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2020)))
	assert.True(t, qty("2").Equal(settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2021)))
	assert.False(t, settled.HasNegative())
}

func TestReplay_DeficitDrawsAnyYearAndKeepsRemainder(t *testing.T) {
	// GIVEN: A MY2020 = 5 and a B MY2021 deficit of 8
	// WHEN: Settling
	// THEN: A is consumed (A substitutes for B) and 3 remain owed

	settled := mustReplay(t, nil, history(
		credit(ledger.CreditA, 2020, "5"),
		rec(ledger.KindDebit, ledger.CreditB, 2021, "8"),
	))

	assert.True(t, settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2020).IsZero())
	assert.True(t, qty("3").Equal(settled.Get(ledger.KindDebit, rep, ledger.CreditB, 2021)))
}

func TestReplay_OutgoingSettlesInCommitOrder(t *testing.T) {
	// GIVEN: B MY2020 = 10 and B MY2021 = 10
	// WHEN: A transfer of B MY2020 x10 is committed, then an UNSPECIFIED debit of 5
	// THEN: The debit is met from MY2021, as it was when approved, and nothing is owed

	settled := mustReplay(t, nil, history(
		credit(ledger.CreditB, 2020, "10"),
		credit(ledger.CreditB, 2021, "10"),
		rec(ledger.KindTransferAway, ledger.CreditB, 2020, "10"),
		rec(ledger.KindDebit, ledger.CreditUnspecified, 2021, "5"),
	))

	assert.True(t, settled.Get(ledger.KindCredit, rep, ledger.CreditB, 2020).IsZero())
	assert.True(t, qty("5").Equal(settled.Get(ledger.KindCredit, rep, ledger.CreditB, 2021)))
	assert.Empty(t, settled.Lines(ledger.KindDebit))
}

func TestReplay_OrderIsTimestampNotInputOrder(t *testing.T) {
	// The transfer was committed before the debit. Replayed the other way
	// round, the debit would take MY2022 and leave the transfer short by 2.
	txs := history(
		credit(ledger.CreditA, 2022, "4"),
		credit(ledger.CreditA, 2023, "2"),
		rec(ledger.KindTransferAway, ledger.CreditA, 2022, "4"),
		rec(ledger.KindDebit, ledger.CreditA, 2023, "2"),
	)
	shuffled := []ledger.Transaction{txs[0], txs[1], txs[3], txs[2]}

	settled := mustReplay(t, nil, shuffled)

	assert.Empty(t, settled.Lines(ledger.KindDebit))
	assert.True(t, settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2022).IsZero())
	assert.True(t, settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2023).IsZero())
}

func TestReplay_DebitOnlyDrawsCreditsThatExistedWhenCommitted(t *testing.T) {
	// GIVEN: B MY2021 = 10, an UNSPECIFIED debit of 5, then B MY2020 = 5 arrives
	// WHEN: The new MY2020 units are transferred away
	// THEN: The debit stays on MY2021; the transfer finds its 5 units

	settled := mustReplay(t, nil, history(
		credit(ledger.CreditB, 2021, "10"),
		rec(ledger.KindDebit, ledger.CreditUnspecified, 2021, "5"),
		credit(ledger.CreditB, 2020, "5"),
		rec(ledger.KindTransferAway, ledger.CreditB, 2020, "5"),
	))

	assert.Empty(t, settled.Lines(ledger.KindDebit))
	assert.True(t, qty("5").Equal(settled.Get(ledger.KindCredit, rep, ledger.CreditB, 2021)))
}

func TestReplay_LaterCreditPaysOutstandingDeficit(t *testing.T) {
	settled := mustReplay(t, nil, history(
		rec(ledger.KindDebit, ledger.CreditA, 2022, "3"),
		credit(ledger.CreditA, 2023, "5"),
	))

	assert.Empty(t, settled.Lines(ledger.KindDebit))
	assert.True(t, qty("2").Equal(settled.Get(ledger.KindCredit, rep, ledger.CreditA, 2023)))
}

func TestReplay_SnapshotDeficitOwedBeforeLaterRows(t *testing.T) {
	snapshot := []ledger.EndingBalance{
		{Record: rec(ledger.KindDebit, ledger.CreditB, 2021, "2"), OrganizationID: "org-1", ComplianceYear: 2023},
	}

	settled := mustReplay(t, snapshot, history(
		credit(ledger.CreditB, 2024, "3"),
		rec(ledger.KindTransferAway, ledger.CreditB, 2024, "1"),
	))

	assert.Empty(t, settled.Lines(ledger.KindDebit))
	assert.True(t, settled.Get(ledger.KindCredit, rep, ledger.CreditB, 2024).IsZero())
}

func TestReplay_RejectsMalformedRecords(t *testing.T) {
	_, err := ledger.Replay(nil, history(credit(ledger.CreditA, 2024, "1.001")))
	assert.ErrorIs(t, err, ledger.ErrMalformedRecord)
}

func TestOutstandingDeficits_AreUnscoped(t *testing.T) {
	settled := mustReplay(t, nil, history(
		credit(ledger.CreditA, 2020, "1"),
		rec(ledger.KindDebit, ledger.CreditB, 2021, "3"),
	))

	m := ledger.OutstandingDeficits(settled)
	require.Len(t, m, 1)
	assert.Equal(t, ledger.CreditB, m[0].CreditClass)
	assert.Equal(t, ledger.ModelYear(0), m[0].ModelYear)
	assert.True(t, qty("2").Equal(m[0].Quantity))
}
