package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	"github.com/oronico/lanternprototype-sub000/internal/config"
	"github.com/oronico/lanternprototype-sub000/internal/models"
	"github.com/oronico/lanternprototype-sub000/internal/review"
	"github.com/oronico/lanternprototype-sub000/internal/scheduler"
	"github.com/oronico/lanternprototype-sub000/internal/store"

	"github.com/spf13/cobra"
)

var (
	Version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "attributionctl",
		Short:   "Operate the payment attribution engine",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(attributeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	store  *store.Store
	engine *attribution.Engine
}

func open() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	eps, err := cfg.Attribution.EpsilonAmount()
	if err != nil {
		return nil, err
	}
	db, err := store.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	engine := attribution.NewEngine(st,
		attribution.WithEpsilon(eps),
		attribution.WithChain(attribution.DefaultChain(cfg.Attribution.MaxPeriods)),
	)
	return &env{cfg: cfg, store: st, engine: engine}, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := open(); err != nil {
				return err
			}
			fmt.Println("Schema is up to date")
			return nil
		},
	}
}

func attributeCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "attribute [payment-id]",
		Short: "Run automatic attribution for one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			anchor := time.Now()
			if asOf != "" {
				if anchor, err = time.Parse("2006-01-02", asOf); err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
			}
			p, err := e.engine.AttributeByID(context.Background(), args[0], anchor)
			if p != nil {
				printPayment(p)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "Billing anchor date (YYYY-MM-DD), defaults to today")
	return cmd
}

func sweepCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry attribution for pending and unmatched payments once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = e.cfg.Sweep.BatchSize
			}
			sum, err := scheduler.NewSweeper(e.engine, e.store, batch).RunOnce(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d matched=%d review=%d unmatched=%d failed=%d\n",
				sum.Scanned, sum.Matched, sum.NeedsReview, sum.Unmatched, sum.Failed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "n", 0, "Maximum payments to process")
	return cmd
}

func reviewCmd() *cobra.Command {
	var asJSON bool
	var limit int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List payments waiting for staff review",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			payments, total, err := e.store.ReviewQueue(context.Background(), store.PaymentFilter{Page: 1, PageSize: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payments)
			}
			fmt.Printf("Review queue (%d)\n", total)
			fmt.Println(strings.Repeat("=", 40))
			for i := range payments {
				printPayment(&payments[i])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file.xlsx]",
		Short: "Write the review queue to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			var all []models.Payment
			f := store.PaymentFilter{Page: 1, PageSize: 200}
			for {
				payments, total, err := e.store.ReviewQueue(context.Background(), f)
				if err != nil {
					return err
				}
				all = append(all, payments...)
				if len(payments) == 0 || int64(len(all)) >= total {
					break
				}
				f.Page++
			}
			out, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer out.Close()
			if err := review.WriteQueue(out, all); err != nil {
				return err
			}
			fmt.Printf("Wrote %d payments to %s\n", len(all), args[0])
			return nil
		},
	}
}

func printPayment(p *models.Payment) {
	status := string(p.AttributionStatus)
	if status == "" {
		status = "not attributed"
	}
	fmt.Printf("%s  family=%s  net=%s  %s  confidence=%.2f\n",
		p.ID, p.FamilyID, p.NetAmount.StringFixed(2), status, p.AttributionConfidence)
	for _, a := range p.Allocations {
		applied := ""
		if a.Applied {
			applied = " (ledger)"
		}
		fmt.Printf("    %s %s %s%s\n", a.EnrollmentID, a.Period(), a.Amount.StringFixed(2), applied)
	}
}
