package main

import (
	"log"
	"os"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/api"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/config"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/device"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/payload"
	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("virtmgr: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"early_boot", cfg.EarlyBoot,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	loader := apex.NewLoader(
		cfg.ApexInfoPath,
		cfg.EarlyBoot,
		apex.DeriveClasspathCommand(cfg.DeriveClasspath),
		logger,
	)

	dtbo := func() (*os.File, error) {
		path := cfg.DtboImage
		if path == "" {
			var err error
			path, err = device.ImagePath(systemProperty)
			if err != nil {
				return nil, err
			}
		}
		return os.Open(path)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:    db,
		Loader:   loader,
		Builder:  payload.NewBuilder(cfg.EarlyBoot, logger),
		Binder:   device.NewBinder(cfg.SysfsRoot, cfg.VfioDev, logger),
		Registry: device.NewRegistry(),
		Dtbo:     dtbo,
		Logger:   logger,
	})

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
