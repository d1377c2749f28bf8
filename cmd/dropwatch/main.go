package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xela07ax/opsgate/internal/audit"
	"github.com/xela07ax/opsgate/internal/dedup"
	"github.com/xela07ax/opsgate/internal/infra"
	"github.com/xela07ax/opsgate/internal/producer"
	"github.com/xela07ax/opsgate/internal/store"
	"github.com/xela07ax/opsgate/internal/watcher"
	"go.uber.org/zap"
)

// dropwatch — отдельный процесс-продьюсер: следит за входной директорией
// и заводит file_drop элементы в общий стор. Трекер дедупликации у
// процесса свой; стор и журнал аудита — общие с движком.
func main() {
	var (
		watchDir  = flag.String("dir", "./data/inbox", "directory to watch for file drops")
		dedupPath = flag.String("dedup", "./data/dedup/dropwatch_ids", "dedup tracker state file")
		scan      = flag.Bool("scan", true, "submit files already present at startup")
	)
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	fs, err := store.NewFSStore(cfg.Store.Root, logger)
	if err != nil {
		logger.Fatal("failed to init item store", zap.Error(err))
	}

	auditor, err := audit.Open(cfg.Audit.Dir, audit.NewSanitizer(cfg.Audit.MaxBodyLen), logger)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}
	defer auditor.Close()

	tracker, err := dedup.NewFileTracker(*dedupPath, logger)
	if err != nil {
		logger.Fatal("failed to open dedup tracker", zap.Error(err))
	}
	defer tracker.Close()

	p := producer.New("dropwatch", fs, tracker, auditor, logger)
	dw, err := watcher.NewDropWatcher(*watchDir, p, logger)
	if err != nil {
		logger.Fatal("failed to start drop watcher", zap.Error(err))
	}
	defer dw.Close()

	if *scan {
		if err := dw.ScanExisting(context.Background()); err != nil {
			logger.Error("initial scan failed", zap.Error(err))
		}
	}

	logger.Info("dropwatch started", zap.String("dir", *watchDir))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("dropwatch exited properly")
}
