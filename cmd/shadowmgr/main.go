package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgegatekit/shadowmgr/internal/adminapi"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/manager"
	"github.com/edgegatekit/shadowmgr/internal/syncconfig"
)

var Version = "0.1.0"

func main() {
	loggerCfg := logger.DefaultConfig()
	if level := os.Getenv("SHADOWMGR_LOGGER_LEVEL"); level != "" {
		loggerCfg.Level = level
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	configPath := getEnv("SHADOWMGR_CONFIG", "")

	mgr, err := manager.New(configPath, staticThingName())
	if err != nil {
		log.Fatalf("shadow manager failed to install (state=%s): %v", mgr.State(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("shadow manager failed to start: %v", err)
	}
	log.Printf("shadow manager v%s running (config=%q)\n", Version, configPath)

	admin := adminapi.New("shadowmgr v"+Version, mgr.Health, mgr.Metrics, mgr.DAO)
	host := getEnv("SHADOWMGR_ADMIN_HOST", "127.0.0.1")
	port := getEnv("SHADOWMGR_ADMIN_PORT", "9090")
	addr := fmt.Sprintf("%s:%s", host, port)

	go func() {
		log.Printf("admin surface listening on http://%s\n", addr)
		if err := admin.Listen(addr); err != nil {
			log.Printf("admin surface stopped: %v", err)
		}
	}()

	waitForShutdownSignal()

	log.Println("shutting down shadow manager")
	cancel()
	if err := admin.Shutdown(); err != nil {
		log.Printf("error shutting down admin surface: %v", err)
	}
	mgr.Shutdown()
}

// staticThingName supplies the platform-provided thing name the
// synchronize.coreThing configuration block binds to. The shadow manager
// runs alongside a platform process that owns the device's registered
// thing name; until that integration exists this is fixed for the
// process lifetime via an environment variable.
func staticThingName() syncconfig.ThingNameProvider {
	name := os.Getenv("SHADOWMGR_CORE_THING_NAME")
	if name == "" {
		return nil
	}
	return syncconfig.StaticThingNameProvider(name)
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
