package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/db"
	"dag-consensus/handlers"
	"dag-consensus/logger"
	"dag-consensus/models"
	"dag-consensus/repository"
	"dag-consensus/routers"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	viper.SetDefault("consensus.stability_rule", "legacy")
	viper.SetDefault("consensus.upgrade_mci", -1)
	viper.SetDefault("cache.stable_units", 10000)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting consensus core...")

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize repository
	unitRepo, err := repository.NewUnitRepository(ldb, viper.GetInt("cache.stable_units"))
	if err != nil {
		logger.Logger.Fatal("Failed to initialize repository", zap.Error(err))
	}

	// Initialize the consensus core and recover persisted state
	core, err := consensus.NewCore(unitRepo, consensus.Config{
		StabilityRule: viper.GetString("consensus.stability_rule"),
		UpgradeMci:    viper.GetInt64("consensus.upgrade_mci"),
	})
	if err != nil {
		logger.Logger.Fatal("Failed to initialize consensus core", zap.Error(err))
	}
	if err := core.Start(); err != nil {
		logger.Logger.Fatal("Failed to recover consensus state", zap.Error(err))
	}

	// Downstream components (balances, contracts) subscribe here; the node
	// itself just records the finality event.
	core.OnUnitStabilized(func(u *models.Unit, mci int64) {
		logger.Logger.Info("Unit became final",
			zap.String("unit", u.ID), zap.Int64("mci", mci))
	})

	// Initialize HTTP handlers
	h := handlers.NewHandler(core)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	srv.Close()
}
