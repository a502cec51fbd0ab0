package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/api"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/broker"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/config"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/engine"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/executor"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/market"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/sim"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/store"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/strategy"
)

const (
	shutdownGrace      = 10 * time.Second
	storePingTimeout   = 5 * time.Second
	startRetryInterval = 30 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting Nifty options engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bk, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Broker setup failed: %v", err)
	}

	st, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatalf("Store setup failed: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, storePingTimeout)
	err = st.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.Fatalf("Store unreachable: %v", err)
	}

	mkt := market.NewService(bk, cfg, logger)
	if err := mkt.LoadInstruments(ctx); err != nil {
		logger.Fatalf("Loading instrument master failed: %v", err)
	}
	logger.Printf("Instrument master loaded: %d NIFTY option contracts", mkt.InstrumentCount())

	exec := executor.NewVirtualExecutor(st, mkt, cfg, logger)
	if err := exec.Recover(ctx); err != nil {
		logger.Fatalf("Recovering open positions failed: %v", err)
	}

	eng := engine.New(cfg, bk, mkt, exec, st, logger)
	strategies := buildStrategies(cfg, mkt, logger)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		apiSrv := api.NewServer(api.Config{
			Addr:      cfg.API.ListenAddr,
			AuthToken: cfg.API.AuthToken,
		}, eng, exec, mkt, st, strategies, newAPILogger(cfg.Environment.LogLevel))

		g.Go(func() error {
			if err := apiSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer shCancel()
			return apiSrv.Shutdown(shCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, stopping engine...")
		if err := eng.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			logger.Printf("Engine stop: %v", err)
		}
		return nil
	})

	if len(strategies) == 0 {
		logger.Println("No strategies enabled; engine idle until started via the API")
	} else {
		g.Go(func() error {
			return startEngine(gctx, eng, strategies, cfg, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("Runtime error: %v", err)
	}
	logger.Println("Engine stopped successfully")
}

// buildBroker returns the trading venue: the random-walk simulator in
// simulated mode, otherwise an authenticated Kite client behind the circuit
// breaker.
func buildBroker(ctx context.Context, cfg *config.Config, logger *log.Logger) (broker.Broker, error) {
	if cfg.Broker.Simulated {
		seed := time.Now().UnixNano()
		logger.Printf("Simulated broker active (seed %d)", seed)
		return sim.New(seed), nil
	}

	kite := broker.NewKiteClient(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.TokenFile, logger)
	if cfg.Broker.BaseURL != "" {
		kite = kite.WithBaseURL(cfg.Broker.BaseURL)
	}

	if !kite.IsAuthenticated(ctx) {
		if err := interactiveLogin(ctx, kite, logger); err != nil {
			return nil, err
		}
	}
	return broker.NewCircuitBreakerBroker(kite), nil
}

// interactiveLogin walks the operator through the Kite OAuth handshake. The
// exchange invalidates access tokens daily, so this runs most mornings.
func interactiveLogin(ctx context.Context, kite *broker.KiteClient, logger *log.Logger) error {
	logger.Println("No valid session; interactive login required")
	fmt.Printf("\nOpen this URL and log in:\n\n  %s\n\nPaste the request_token from the redirect URL: ", kite.LoginURL())

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading request token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return fmt.Errorf("empty request token")
	}

	if _, err := kite.CompleteSession(ctx, token); err != nil {
		return err
	}
	return nil
}

// buildStore picks the persistence backend. A configured URL means the
// remote REST store; otherwise positions live in a local JSON file.
func buildStore(cfg *config.Config, logger *log.Logger) (store.Interface, error) {
	if cfg.Store.URL != "" {
		logger.Printf("Using remote store at %s", cfg.Store.URL)
		return store.NewRestStore(cfg.Store.URL, cfg.Store.APIKey, logger), nil
	}
	logger.Printf("Using file store at %s", cfg.Store.Path)
	return store.NewFileStore(cfg.Store.Path)
}

func buildStrategies(cfg *config.Config, mkt *market.Service, logger *log.Logger) []strategy.Strategy {
	var out []strategy.Strategy
	if cfg.Strategy.Scalping.Enabled {
		out = append(out, strategy.NewSupertrend(cfg.Strategy.Scalping, mkt, cfg.Trading.ATMStrikeStep, logger))
	}
	return out
}

// startEngine launches the trading loop. A closed market at boot is routine
// (deploys restart overnight): with the API enabled the operator starts the
// engine remotely, otherwise we poll until the opening bell.
func startEngine(ctx context.Context, eng *engine.Engine, strategies []strategy.Strategy, cfg *config.Config, logger *log.Logger) error {
	err := eng.Start(ctx, strategies...)
	if err == nil || !errors.Is(err, engine.ErrMarketClosed) {
		return err
	}
	if cfg.API.Enabled {
		logger.Println("Market closed; engine idle (start it via the API once the session opens)")
		return nil
	}

	logger.Printf("Market closed; retrying start every %s", startRetryInterval)
	ticker := time.NewTicker(startRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			switch err := eng.Start(ctx, strategies...); {
			case err == nil:
				return nil
			case errors.Is(err, engine.ErrMarketClosed):
				// keep waiting
			default:
				return err
			}
		}
	}
}

func newAPILogger(level string) *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
