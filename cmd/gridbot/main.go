// Command gridbot runs one BitShares DEX grid market-making bot: it
// constructs the grid, fund accountant, COW commit engine, fill-processing
// pipeline, and the periodic maintenance controller, then wires them to the
// chain collaborator and runs until an interrupt is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/accountant"
	"gridbot/internal/config"
	"gridbot/internal/cow"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/maintenance"
	"gridbot/internal/mathfees"
	"gridbot/internal/pipeline"
	"gridbot/internal/statestore"
	"gridbot/pkg/logging"
	"gridbot/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// newChainClient is the integration seam for the real BitShares RPC
// collaborator. internal/exchange.Client intentionally ships no concrete
// implementation in this repo (see its package doc) — a deployment wires
// one in here, the same way cow.NewDBOSDurableLog's caller owns
// constructing the dbos.DBOSContext it wraps. Left unassigned, gridbot
// refuses to start rather than quietly running against a test double.
var newChainClient func(cfg config.ExchangeConfig, logger *logging.ZapLogger) (exchange.Client, error)

// pipelineHandle satisfies maintenance.PipelineSignals by forwarding to a
// *pipeline.Pipeline set after construction, breaking the construction cycle
// between the pipeline and the maintenance controller (see main).
type pipelineHandle struct {
	p *pipeline.Pipeline
}

func (h *pipelineHandle) QueueDepth() int {
	if h.p == nil {
		return 0
	}
	return h.p.QueueDepth()
}

func main() {
	configPath := flag.String("config", "configs/gridbot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger, err := logging.NewZapLogger("INFO")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create bootstrap logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err = logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("starting gridbot", "version", version, "buildTime", buildTime, "botKey", cfg.Grid.BotKey)

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("failed to initialize metrics exporter", "error", err)
		} else {
			logger.Info("metrics exporter initialized", "port", cfg.Telemetry.MetricsPort)
		}
	}

	if newChainClient == nil {
		logger.Error("no chain RPC client wired: assign cmd/gridbot.newChainClient to a concrete internal/exchange.Client before building")
		os.Exit(1)
	}
	client, err := newChainClient(cfg.Exchange, logger)
	if err != nil {
		logger.Error("failed to construct chain client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.WaitForConnected(ctx, 30000); err != nil {
		logger.Error("chain client failed to connect", "error", err)
		os.Exit(1)
	}
	account, err := client.ResolveAccountID(ctx, cfg.Exchange.AccountName)
	if err != nil {
		logger.Error("failed to resolve account id", "error", err, "accountName", cfg.Exchange.AccountName)
		os.Exit(1)
	}
	privateKey := os.Getenv(cfg.Exchange.PrivateKeyEnv)
	if privateKey == "" {
		logger.Error("private key env var is empty", "env", cfg.Exchange.PrivateKeyEnv)
		os.Exit(1)
	}

	store := statestore.NewJSONFileStore(cfg.Grid.ProfilesDir)
	master, persisted, err := loadOrBuildGrid(ctx, store, cfg.Grid)
	if err != nil {
		logger.Error("failed to construct grid", "error", err)
		os.Exit(1)
	}

	precision := accountant.Precision{Buy: cfg.Accountant.BuyPrecision, Sell: cfg.Accountant.SellPrecision}
	fee := mathfees.NetworkFee{
		CreateFee: decimal.NewFromFloat(cfg.Accountant.CreateFee),
		UpdateFee: decimal.NewFromFloat(cfg.Accountant.UpdateFee),
		CancelFee: decimal.NewFromFloat(cfg.Accountant.CancelFee),
	}
	acct := accountant.New(precision, fee)
	if err := acct.PerformStateRecovery(ctx, client); err != nil {
		logger.Error("initial fund recovery failed", "error", err)
		os.Exit(1)
	}
	if persisted != nil {
		acct.RestoreFeesOwed(persisted.FeesOwed)
		logger.Info("resumed from persisted state", "boundaryIdx", persisted.BoundaryIdx, "slots", len(persisted.Slots), "feesOwed", persisted.FeesOwed)
	}

	durable := cow.NoopDurableLog{}
	engine := cow.NewEngine(master, client, acct, precision, durable, logger)

	lock := pipeline.NewFillLock()

	strategy := pipeline.NewDefaultStrategy(acct, pipeline.StrategyParams{
		Weight:              decimal.NewFromInt(1),
		IncrementPercent:    cfg.Grid.IncrementPercent,
		BuyPrecision:        precision.Buy,
		SellPrecision:       precision.Sell,
		ReservedFeePerOrder: fee.CreateFee,
		MinOrderSizeFactor:  decimal.NewFromFloat(cfg.Accountant.MinFactor),
		DustPercent:         cfg.Accountant.DustPercent,
	})

	// Pipeline and the maintenance controller each need a handle to the
	// other (maintenance polls the pipeline's queue depth; the pipeline
	// calls back into maintenance to trigger a recovery sync), so neither
	// can be constructed fully formed first. fpRef breaks the cycle: the
	// controller is built against it immediately, and it starts forwarding
	// to the real pipeline the moment New returns below.
	fpRef := &pipelineHandle{}
	maint := maintenance.NewController(engine, acct, client, fpRef, lock, logger, maintenance.Config{
		Interval:            time.Duration(cfg.Maintenance.IntervalMs) * time.Millisecond,
		RecoveryCooldown:    time.Duration(cfg.Maintenance.RecoveryCooldownMs) * time.Millisecond,
		DivergenceThreshold: cfg.Maintenance.DivergenceThreshold,
		RecoveryRatePerSec:  cfg.Maintenance.RecoveryRatePerSec,
		Account:             account,
		PrivateKey:          privateKey,
		MinOrderSizeFactor:  decimal.NewFromFloat(cfg.Accountant.MinFactor),
		DustPercent:         cfg.Accountant.DustPercent,
		BuyPrecision:        precision.Buy,
		SellPrecision:       precision.Sell,
		TargetSpreadPercent: cfg.Grid.TargetSpreadPercent,
		SizeWeight:          decimal.NewFromInt(1),
		IncrementPercent:    cfg.Grid.IncrementPercent,
		ReservedFeePerOrder: fee.CreateFee,
	})

	fp := pipeline.New(engine, acct, strategy, maint, lock, logger, pipeline.Config{
		QueueCapacity:      cfg.Pipeline.QueueCapacity,
		DedupeWindow:       time.Duration(cfg.Pipeline.DedupeWindowMs) * time.Millisecond,
		Account:            account,
		PrivateKey:         privateKey,
		MinOrderSizeFactor: decimal.NewFromFloat(cfg.Accountant.MinFactor),
		DustPercent:        cfg.Accountant.DustPercent,
		BuyPrecision:       precision.Buy,
		SellPrecision:      precision.Sell,
	})
	fpRef.p = fp

	unsubscribe, err := client.ListenForFills(ctx, account, func(events []exchange.FillEvent) {
		for _, ev := range events {
			fp.Submit(ev)
		}
		fp.Consume(ctx)
	})
	if err != nil {
		logger.Error("failed to subscribe to fills", "error", err)
		os.Exit(1)
	}
	defer unsubscribe()

	go maint.RunLoop(ctx, time.Duration(cfg.Maintenance.IntervalMs)*time.Millisecond)

	trigger := statestore.NewTriggerWatcher(store.TriggerPath(cfg.Grid.BotKey), 2*time.Second, 5*time.Second, func(ctx context.Context) {
		logger.Info("recalculate trigger fired, running an out-of-cycle maintenance pass")
		maint.Run(ctx)
	}, logger)
	go trigger.Run(ctx)

	assetMeta := statestore.AssetMetadata{
		BuyAssetID:    cfg.Grid.BuyAssetID,
		SellAssetID:   cfg.Grid.SellAssetID,
		BuyPrecision:  precision.Buy,
		SellPrecision: precision.Sell,
	}
	go persistenceLoop(ctx, store, cfg.Grid.BotKey, engine, acct, assetMeta, logger)

	logger.Info("gridbot is running", "account", account, "symbol", cfg.Grid.Symbol)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("received shutdown signal, draining pipeline")

	fp.Shutdown()
	if err := persistState(ctx, store, cfg.Grid.BotKey, engine, acct, assetMeta); err != nil {
		logger.Error("final state persist failed", "error", err)
	}
	cancel()
	logger.Info("gridbot stopped")
}

// loadOrBuildGrid constructs the geometric grid shape from cfg, then — if a
// prior state file exists — overlays each persisted slot's live
// state/size/orderId onto the freshly shaped grid by id, so a restart
// resumes the same in-flight orders rather than starting fully VIRTUAL.
func loadOrBuildGrid(ctx context.Context, store statestore.Store, cfg config.GridConfig) (*grid.Grid, *statestore.State, error) {
	shape, err := grid.New(grid.Config{
		StartPrice:          decimal.NewFromFloat(cfg.StartPrice),
		MinPrice:            decimal.NewFromFloat(cfg.MinPrice),
		MaxPrice:            decimal.NewFromFloat(cfg.MaxPrice),
		IncrementPercent:    cfg.IncrementPercent,
		TargetSpreadPercent: cfg.TargetSpreadPercent,
		Precision:           cfg.Precision,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build grid shape: %w", err)
	}

	persisted, err := store.LoadState(ctx, cfg.BotKey)
	if err != nil {
		return nil, nil, fmt.Errorf("load persisted state: %w", err)
	}
	if persisted == nil {
		return shape, nil, nil
	}

	changed := make([]grid.Slot, 0, len(persisted.Slots))
	for _, rec := range persisted.Slots {
		slot, _, ok := shape.SlotByID(rec.ID)
		if !ok {
			continue
		}
		slot.State = slotStateFromString(rec.State)
		slot.Type = slotTypeFromString(rec.Type)
		slot.Size = rec.Size
		slot.RawOnChain = rec.RawOnChain
		if rec.OrderID != nil {
			oid := *rec.OrderID
			slot.OrderID = &oid
		} else {
			slot.OrderID = nil
		}
		changed = append(changed, slot)
	}
	restored := shape.WithSlots(changed).WithBoundary(persisted.BoundaryIdx)
	return restored, persisted, nil
}

func slotTypeFromString(s string) grid.SlotType {
	switch s {
	case "BUY":
		return grid.Buy
	case "SELL":
		return grid.Sell
	default:
		return grid.Spread
	}
}

func slotStateFromString(s string) grid.SlotState {
	switch s {
	case "ACTIVE":
		return grid.Active
	case "PARTIAL":
		return grid.Partial
	default:
		return grid.Virtual
	}
}

// persistenceLoop periodically checkpoints the engine's master grid and
// accountant fee accrual, independent of the recalculate-trigger path, so a
// crash between maintenance passes loses at most one tick of state.
func persistenceLoop(ctx context.Context, store statestore.Store, botKey string, engine *cow.Engine, acct *accountant.Accountant, assets statestore.AssetMetadata, logger interface {
	Error(msg string, fields ...interface{})
}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := persistState(ctx, store, botKey, engine, acct, assets); err != nil {
				logger.Error("periodic state persist failed", "error", err)
			}
		}
	}
}

func persistState(ctx context.Context, store statestore.Store, botKey string, engine *cow.Engine, acct *accountant.Accountant, assets statestore.AssetMetadata) error {
	master := engine.Master()
	funds := acct.Snapshot()

	slots := make([]statestore.SlotRecord, len(master.Slots))
	for i, s := range master.Slots {
		slots[i] = statestore.SlotRecord{
			ID:         s.ID,
			Type:       s.Type.String(),
			State:      s.State.String(),
			Price:      s.Price,
			Size:       s.Size,
			OrderID:    s.OrderID,
			RawOnChain: s.RawOnChain,
		}
	}

	return store.SaveState(ctx, botKey, &statestore.State{
		BotKey:         botKey,
		BoundaryIdx:    master.BoundaryIdx,
		Slots:          slots,
		FeesOwed:       funds.BTSFeesOwed,
		AssetMetadata:  assets,
		// ProcessedFills (the pipeline's dedup window, five minutes by
		// default, keyed by orderId:blockNum:eventId) is not persisted: a
		// restart begins with an empty dedup window.
		ProcessedFills: map[string]int64{},
	})
}
