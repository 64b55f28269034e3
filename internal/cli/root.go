// Package cli is the tipledger command line: the long running service plus
// the operator commands that share its wiring.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/allocation"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/database"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/integrity"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/logger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ownership"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/payout"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/reconcile"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/tipout"
)

var rootCmd = &cobra.Command{
	Use:   "tipledger",
	Short: "Tip ledger and allocation engine",
	Long: `tipledger allocates card tips to employee ledgers, runs tip pools,
reverses voided and disputed payments and reconciles ledger balances.
Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the engine wired from configuration.
type app struct {
	cfg *config.Config
	log *logrus.Logger
	db  *database.Database

	store       *ledger.Store
	pools       *pool.Manager
	pipeline    *allocation.Pipeline
	resolver    *chargeback.Resolver
	adjustments *adjustment.Engine
	payouts     *payout.Service
	checker     *integrity.Checker
	exporter    *export.Exporter
	reviews     *repository.ReviewRepository
	reconciler  *reconcile.Reconciler
}

func bootstrap(migrate bool) (*app, error) {
	cfg := config.Load()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	db, err := database.New(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	calendar, err := collaborator.NewBusinessCalendar(cfg.Engine.TimeZone, cfg.Engine.BusinessDayCutoffHour)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reader := collaborator.NewReader(db.DB, log)
	store := ledger.NewStore(db.DB, reader, calendar, log)
	guard := ledger.NewGuard(store, log)
	resolver := chargeback.NewResolver(db.DB, store, guard, log)
	store.SetCreditHook(resolver)

	pools := pool.NewManager(db.DB, store, guard, reader, log)
	checker := integrity.NewChecker(db.DB, store, cfg.Reconcile.AutoCorrect, log)

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    store,
		pools:    pools,
		resolver: resolver,
		pipeline: allocation.NewPipeline(db.DB, reader,
			ownership.NewSplitter(reader, log),
			tipout.NewEngine(reader, log),
			pools, store, guard,
			allocation.Options{StaffBearsProcessingFee: cfg.Engine.StaffBearsProcessingFee},
			log),
		adjustments: adjustment.NewEngine(db.DB, store, guard, log),
		payouts:     payout.NewService(store, guard, log),
		checker:     checker,
		exporter:    export.NewExporter(store.Entries(), log),
		reviews:     repository.NewReviewRepository(db.DB, log),
		reconciler:  reconcile.New(checker, pools, cfg.Reconcile.BatchSize, log),
	}
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close database")
	}
}
