package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeva/credit-engine/assessment"
	"github.com/zeva/credit-engine/config"
	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/report"
	"github.com/zeva/credit-engine/store/postgres"
)

func init() {
	rootCmd.AddCommand(periodCmd, balanceCmd, coverageCmd, assessCmd, migrateCmd)

	periodCmd.Flags().String("at", "", "RFC 3339 instant; prints the compliance period containing it")
	balanceCmd.Flags().String("xlsx", "", "Also write the balance workbook to this path")
	coverageCmd.Flags().StringArrayP("line", "l", nil, "Movement line VEHICLE_CLASS/CREDIT_CLASS/MODEL_YEAR/QUANTITY (repeatable)")
	assessCmd.Flags().String("org", "", "Close only this organization")
}

// ─── period ─────────────────────────────────────────────────────────────────

var periodCmd = &cobra.Command{
	Use:   "period [YEAR]",
	Short: "Print a compliance period",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		year := app.calendar.YearOf(time.Now())
		if at, _ := cmd.Flags().GetString("at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			year = app.calendar.YearOf(t)
		}
		if len(args) == 1 {
			y, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid year %q", args[0])
			}
			year = y
		}

		p, err := app.calendar.CompliancePeriod(year)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", p.Year, p.ClosedLowerBound.Format(time.RFC3339), p.OpenUpperBound.Format(time.RFC3339))
		return nil
	},
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ORGANIZATION",
	Short: "Print the settled balance of an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		org := ledger.OrganizationID(args[0])

		repo, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		bal, err := ledger.NewChecker(repo, app.calendar).Balance(ctx, org)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, kind := range []ledger.TransactionKind{ledger.KindCredit, ledger.KindDebit} {
			for _, l := range bal.Lines(kind) {
				if l.Quantity.IsPositive() {
					fmt.Fprintf(out, "%s\t%s\n", kind, l)
				}
			}
		}

		path, _ := cmd.Flags().GetString("xlsx")
		if path == "" {
			return nil
		}
		txs, err := repo.Transactions(ctx, org, ledger.Window{})
		if err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return report.WriteBalance(f, report.BalanceReport{
			OrganizationID: org,
			AsOf:           time.Now(),
			Balance:        bal,
			Transactions:   txs,
		}, report.DefaultWorkbookOptions())
	},
}

// ─── coverage ───────────────────────────────────────────────────────────────

var coverageCmd = &cobra.Command{
	Use:   "coverage ORGANIZATION --line REPORTABLE/A/MY_2024/10 [--line ...]",
	Short: "Check whether a movement is covered, without writing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, _ := cmd.Flags().GetStringArray("line")
		if len(raw) == 0 {
			return errors.New("at least one --line is required")
		}
		movement := make(ledger.Movement, len(raw))
		for i, s := range raw {
			l, err := parseLine(s)
			if err != nil {
				return err
			}
			movement[i] = l
		}

		repo, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		d, err := ledger.NewChecker(repo, app.calendar).Check(ctx, ledger.OrganizationID(args[0]), movement)
		var unc *ledger.UncoveredMovementError
		switch {
		case errors.As(err, &unc):
			fmt.Fprintf(cmd.OutOrStdout(), "NOT COVERED: %v\n", unc)
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "COVERED")
		for _, dr := range d.Draws {
			fmt.Fprintf(cmd.OutOrStdout(), "  line %d <- %s/%s/%s %s\n", dr.LineIndex, dr.VehicleClass, dr.CreditClass, dr.ModelYear, dr.Quantity.StringFixed(ledger.MaxQuantityPlaces))
		}
		return nil
	},
}

// parseLine reads VEHICLE_CLASS/CREDIT_CLASS/MODEL_YEAR/QUANTITY. The model
// year may be ANY or empty.
func parseLine(s string) (ledger.Line, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return ledger.Line{}, fmt.Errorf("invalid line %q: want VEHICLE_CLASS/CREDIT_CLASS/MODEL_YEAR/QUANTITY", s)
	}
	my, err := ledger.ParseModelYear(parts[2])
	if err != nil {
		return ledger.Line{}, err
	}
	q, err := ledger.ParseQuantity(parts[3])
	if err != nil {
		return ledger.Line{}, err
	}
	l := ledger.Line{
		VehicleClass: ledger.VehicleClass(strings.ToUpper(parts[0])),
		CreditClass:  ledger.CreditClass(strings.ToUpper(parts[1])),
		ModelYear:    my,
		Quantity:     q,
	}
	return l, l.Validate()
}

// ─── assess ─────────────────────────────────────────────────────────────────

var assessCmd = &cobra.Command{
	Use:   "assess YEAR",
	Short: "Close a compliance year and write ending balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		year, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid year %q", args[0])
		}

		repo, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		svc := assessment.NewService(repo, app.calendar, app.log)
		if org, _ := cmd.Flags().GetString("org"); org != "" {
			snap, err := svc.CloseAs(ctx, ledger.OrganizationID(org), year, "zevctl")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		}

		rep, err := assessment.NewRunner(svc, app.cfg.Assessment.WorkerPoolSize, app.log).CloseAll(ctx, year)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "year %d: %d closed, %d skipped, %d failed\n", rep.Year, len(rep.Closed), len(rep.Skipped), len(rep.Failures))
		return rep.Err()
	},
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if app.cfg.Store.Driver != config.DriverPostgres {
			return fmt.Errorf("migrate requires STORE_DRIVER=%s (got %s)", config.DriverPostgres, app.cfg.Store.Driver)
		}
		if err := postgres.RunMigrations(app.cfg.Postgres.URL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}
