package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/logger"
)

// app is what every role receives: the loaded configuration and a way to react to edits of it
type app struct {
	cfg        *config.Config
	configPath string

	mu      sync.Mutex
	reloads []func(*config.Config)
}

// onReload registers f to run with every re-read configuration
func (a *app) onReload(f func(*config.Config)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reloads = append(a.reloads, f)
}

func (a *app) reload(cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		return err
	}

	a.mu.Lock()
	hooks := append([]func(*config.Config){}, a.reloads...)
	a.mu.Unlock()

	for _, f := range hooks {
		f(cfg)
	}
	return nil
}

type role func(ctx context.Context, a *app) error

var roles = map[string]role{
	"topology": runTopology,
	"bridge":   runBridge,
	"alerts":   runAlerts,
	"recorder": runRecorder,
	"notifier": runNotifier,
	"gateway":  runGateway,
	"simulate": runSimulator,
}

func usage() {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "usage: %s [-config config.yaml] <%s>\n", os.Args[0], strings.Join(names, "|"))
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Usage = usage
	flag.Parse()

	name := flag.Arg(0)
	run, ok := roles[name]
	if !ok {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lc := cfg.Logger
	if err := logger.InitFromConfig(lc.Level, lc.FilePath, lc.MaxSize, lc.MaxBackups, lc.Console); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if err := cfg.Validate(name); err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, configPath: *configPath}
	if err := config.WatchConfig(*configPath, a.reload); err != nil {
		// not fatal, edits just need a restart
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching %s for changes", *configPath)
	}

	logger.Info("starting %s", name)
	if err := run(ctx, a); err != nil {
		logger.Error("%s failed: %v", name, err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("%s stopped", name)
}
