// audit_positions - cross-checks order and position rows in the store.
// Run it after a crash or a suspect session: every open position must be
// backed by net BUY order flow, and every closed row must carry the exit
// math its fills imply.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
)

const auditTimeout = 30 * time.Second

// Report aggregates the audit outcome across all inspected symbols.
type Report struct {
	Mode       string   `json:"trading_mode"`
	Symbols    []string `json:"symbols"`
	OpenRows   int      `json:"open_rows"`
	ClosedRows int      `json:"closed_rows"`
	Issues     []string `json:"issues"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	mode := models.ModeLive
	if cfg.IsPaperTrading() {
		mode = models.ModePaper
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Mode: %s\n", mode)
		if cfg.Store.URL != "" {
			fmt.Printf("Store: %s\n", cfg.Store.URL)
		} else {
			fmt.Printf("Store: %s\n", cfg.Store.Path)
		}
		fmt.Printf("\n")
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	symbols, err := collectSymbols(ctx, st, mode, flag.Args())
	if err != nil {
		log.Fatalf("Failed to list positions: %v", err)
	}
	if len(symbols) == 0 {
		fmt.Println("Nothing to audit: no open positions and no symbols given.")
		fmt.Println("Pass trading symbols as arguments to audit closed history, e.g.")
		fmt.Println("  audit_positions -config config.yaml NIFTY2631024500CE")
		return
	}

	report := Report{Mode: string(mode), Symbols: symbols}
	for _, symbol := range symbols {
		rows, err := st.GetPositionsBySymbol(ctx, symbol, mode)
		if err != nil {
			log.Fatalf("Failed to fetch positions for %s: %v", symbol, err)
		}
		orders, err := st.GetOrdersBySymbol(ctx, symbol, mode)
		if err != nil {
			log.Fatalf("Failed to fetch orders for %s: %v", symbol, err)
		}
		open, closed, issues := auditSymbol(symbol, rows, orders)
		report.OpenRows += open
		report.ClosedRows += closed
		report.Issues = append(report.Issues, issues...)
	}

	if *jsonOutput {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
	} else {
		printReport(&report)
	}

	if len(report.Issues) > 0 {
		os.Exit(1)
	}
}

// collectSymbols unions the symbols of every open row with any symbols given
// on the command line, so closed history stays auditable after a sweep.
func collectSymbols(ctx context.Context, st store.Interface, mode models.TradingMode, extra []string) ([]string, error) {
	seen := make(map[string]bool, len(extra))
	for _, s := range extra {
		seen[s] = true
	}
	open, err := st.GetOpenPositions(ctx, mode)
	if err != nil {
		return nil, err
	}
	for i := range open {
		seen[open[i].Symbol] = true
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// auditSymbol checks one symbol's rows against its order flow. Positions are
// whole lifecycles here: one filled BUY opens a row, one filled SELL closes
// it, so row counts and quantities must reconcile exactly.
func auditSymbol(symbol string, rows []models.Position, orders []models.Order) (open, closed int, issues []string) {
	var openQty, resetRows int
	for i := range rows {
		row := &rows[i]
		if err := row.Validate(); err != nil {
			issues = append(issues, err.Error())
		}
		if row.IsOpen {
			open++
			openQty += row.Quantity
			continue
		}
		closed++
		if row.ExitPrice > 0 {
			want := (row.ExitPrice - row.AveragePrice) * float64(row.OriginalQuantity)
			if math.Abs(want-row.RealizedPnL) > 0.01 {
				issues = append(issues, fmt.Sprintf(
					"%s: closed position %d realized P&L %.2f does not match exit math %.2f",
					symbol, row.ID, row.RealizedPnL, want))
			}
		}
		if row.SellOrderID == nil {
			// Rows closed by reset_positions have no SELL order by design.
			if row.ExitCategory == models.ExitManual {
				resetRows++
			} else {
				issues = append(issues, fmt.Sprintf(
					"%s: closed position %d has no sell order reference", symbol, row.ID))
			}
		}
	}

	var buys, sells, buyQty, sellQty int
	for i := range orders {
		o := &orders[i]
		if o.Status != models.OrderFilled {
			continue
		}
		switch o.Side {
		case models.SideBuy:
			buys++
			buyQty += o.FilledQuantity
		case models.SideSell:
			sells++
			sellQty += o.FilledQuantity
		}
	}

	if buys != len(rows) {
		issues = append(issues, fmt.Sprintf(
			"%s: %d filled BUY orders vs %d position rows - an entry may be missing its position",
			symbol, buys, len(rows)))
	}
	if sells != closed-resetRows {
		issues = append(issues, fmt.Sprintf(
			"%s: %d filled SELL orders vs %d closed rows - a close may not have been journaled",
			symbol, sells, closed-resetRows))
	}
	if net := buyQty - sellQty; net != openQty && buys == len(rows) && sells == closed-resetRows {
		issues = append(issues, fmt.Sprintf(
			"%s: open quantity %d does not match net order flow %d",
			symbol, openQty, net))
	}
	return open, closed, issues
}

func printReport(report *Report) {
	fmt.Printf("Audited %d symbol(s) in %s mode: %d open row(s), %d closed row(s)\n\n",
		len(report.Symbols), report.Mode, report.OpenRows, report.ClosedRows)

	fmt.Printf("=== ANALYSIS ===\n")
	if len(report.Issues) == 0 {
		fmt.Printf("No issues detected.\n")
		return
	}
	fmt.Printf("ISSUES FOUND:\n")
	for i, issue := range report.Issues {
		fmt.Printf("  %d. %s\n", i+1, issue)
	}
	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Check engine logs around the entry/exit times of the flagged rows\n")
	fmt.Printf("  2. Restart the engine so recovery can reconcile orphaned rows\n")
	fmt.Printf("  3. As a last resort, reset_positions force-closes every open row\n")
}

func buildStore(cfg *config.Config) (store.Interface, error) {
	if cfg.Store.URL != "" {
		return store.NewRestStore(cfg.Store.URL, cfg.Store.APIKey, log.Default()), nil
	}
	return store.NewFileStore(cfg.Store.Path)
}
