package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeva/credit-engine/ledger"
)

func TestParseLine(t *testing.T) {
	l, err := parseLine("reportable/a/MY_2024/10.5")
	require.NoError(t, err)
	assert.Equal(t, ledger.VehicleReportable, l.VehicleClass)
	assert.Equal(t, ledger.CreditA, l.CreditClass)
	assert.Equal(t, ledger.ModelYear(2024), l.ModelYear)
	assert.Equal(t, "10.5", l.Quantity.String())

	l, err = parseLine("NON_REPORTABLE/UNSPECIFIED/ANY/1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ModelYear(0), l.ModelYear)
}

func TestParseLine_Invalid(t *testing.T) {
	for _, s := range []string{
		"REPORTABLE/A/2024",
		"REPORTABLE/A/2024/1.001",
		"REPORTABLE/Z/2024/1",
		"REPORTABLE/A/MY_2050/1",
	} {
		_, err := parseLine(s)
		assert.Error(t, err, s)
	}
}

func TestPeriodCommand(t *testing.T) {
	app = env{calendar: ledger.NewCalendar(time.UTC)}

	var out bytes.Buffer
	periodCmd.SetOut(&out)
	require.NoError(t, periodCmd.RunE(periodCmd, []string{"2024"}))
	assert.Equal(t, "2024\t2024-10-01T00:00:00Z\t2025-10-01T00:00:00Z\n", out.String())

	assert.ErrorIs(t, periodCmd.RunE(periodCmd, []string{"2040"}), ledger.ErrUnknownComplianceYear)
}
