// reset_positions - force-closes every open paper position row in the store.
// Used when a crashed session leaves rows open with no process to manage
// them: each row is closed at its last stored mark so the capital ledger
// stays arithmetically consistent, and a trade row is written so the day's
// analytics see the exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
)

const resetTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		dryRun     = flag.Bool("dry-run", false, "Print what would be closed without writing")
		reason     = flag.String("reason", "operator reset", "Exit reason recorded on each row")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	// Live rows mirror real broker positions; zeroing them here would only
	// hide them from reconciliation. This tool touches paper rows only.
	rows, err := st.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		log.Fatalf("Failed to fetch open positions: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("No open paper positions; store is clean.")
		return
	}

	fmt.Printf("Found %d open paper position(s)\n", len(rows))
	if *dryRun {
		fmt.Println("Dry run: no rows will be written")
	}
	fmt.Println()

	now := time.Now()
	var closedCount int
	var totalRealized float64
	for i := range rows {
		row := rows[i]
		if row.ID <= 0 {
			fmt.Printf("  SKIP %s: row has no store id\n", row.Symbol)
			continue
		}

		price := row.CurrentPrice
		if price <= 0 {
			price = row.AveragePrice
		}
		row.Close(price, now, *reason, models.ExitManual)

		fmt.Printf("  %s x%d: entry %.2f -> close %.2f, realized %+.2f\n",
			row.Symbol, row.OriginalQuantity, row.AveragePrice, price, row.RealizedPnL)

		if !*dryRun {
			if err := st.UpdatePosition(ctx, row.ID, closePatch(&row)); err != nil {
				log.Fatalf("Failed to close position %d (%s): %v", row.ID, row.Symbol, err)
			}
			trade := models.NewTradeFromPosition(&row, row.EntryFees, 0)
			if _, err := st.SaveTrade(ctx, trade); err != nil {
				fmt.Printf("  WARNING: trade row for %s not saved: %v\n", row.Symbol, err)
			}
		}
		closedCount++
		totalRealized += row.RealizedPnL
	}

	fmt.Println()
	if *dryRun {
		fmt.Printf("Would close %d position(s), realized %+.2f\n", closedCount, totalRealized)
		return
	}
	fmt.Printf("Closed %d position(s), realized %+.2f\n", closedCount, totalRealized)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run audit_positions to confirm the store reconciles")
	fmt.Println("  2. Restart the engine; recovery starts from a clean ledger")
}

// closePatch mirrors the row update the executor writes on a normal close,
// minus the sell order reference: no order is placed here.
func closePatch(p *models.Position) map[string]any {
	patch := map[string]any{
		"is_open":              false,
		"quantity":             0,
		"current_price":        p.ExitPrice,
		"unrealized_pnl":       0.0,
		"realized_pnl":         p.RealizedPnL,
		"pnl_percent":          p.PnLPercent,
		"exit_price":           p.ExitPrice,
		"exit_reason":          p.ExitReason,
		"exit_reason_category": p.ExitCategory,
		"updated_at":           p.UpdatedAt,
	}
	if p.ExitTime != nil {
		patch["exit_time"] = *p.ExitTime
	}
	return patch
}

func buildStore(cfg *config.Config) (store.Interface, error) {
	if cfg.Store.URL != "" {
		return store.NewRestStore(cfg.Store.URL, cfg.Store.APIKey, log.Default()), nil
	}
	return store.NewFileStore(cfg.Store.Path)
}
