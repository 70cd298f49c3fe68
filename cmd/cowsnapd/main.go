package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dattobd/cowsnap"
	"github.com/dattobd/cowsnap/internal/logging"
)

func main() {
	var (
		bdevPath   = flag.String("bdev", "", "Base device path to snapshot (required)")
		cowPath    = flag.String("cow", "", "COW file path, opened as given (required)")
		cacheStr   = flag.String("cache", "16M", "In-memory sector map cache size (e.g. 16M, 64M)")
		fallocMB   = flag.Int64("fallocate-mb", 256, "COW file space to fallocate up front, in MB")
		minor      = flag.Int("minor", -1, "Minor number to use, or -1 to pick the first free one")
		listenAddr = flag.String("listen", ":8080", "Status API listen address")
		maxDevices = flag.Int("max-devices", cowsnap.DefaultMaxTrackedDevices, "Maximum number of tracked minors")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *bdevPath == "" || *cowPath == "" {
		fmt.Fprintln(os.Stderr, "cowsnapd: -bdev and -cow are required")
		flag.Usage()
		os.Exit(2)
	}

	cacheBytes, err := parseSize(*cacheStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cowsnapd: invalid -cache %q: %v\n", *cacheStr, err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	adapter := cowsnap.NewUblkHostAdapter()
	engine := cowsnap.NewEngine(*maxDevices, adapter.Hooks(), cowsnap.NewMetrics(time.Now()))

	useMinor := *minor
	if useMinor < 0 {
		useMinor, err = engine.GetFreeMinor()
		if err != nil {
			logger.Error("no free minor available", "error", err)
			os.Exit(1)
		}
	}

	if err := engine.SetupSnapshot(cowsnap.SetupSnapshotParams{
		Minor:             useMinor,
		BdevPath:          *bdevPath,
		CowPath:           *cowPath,
		FallocatedSpaceMB: *fallocMB,
		CacheSizeBytes:    cacheBytes,
	}); err != nil {
		logger.Error("setup_snapshot failed", "error", err)
		os.Exit(1)
	}
	logger.Info("snapshot tracking started", "minor", useMinor, "bdev", *bdevPath, "cow", *cowPath)

	router := cowsnap.NewStatusAPIRouter(engine)
	srv := &http.Server{Addr: *listenAddr, Handler: router}
	go func() {
		logger.Info("status api listening", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status api stopped", "error", err)
		}
	}()

	fmt.Printf("Tracking minor %d for %s\n", useMinor, *bdevPath)
	fmt.Printf("Status API: http://%s/info\n", *listenAddr)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status api shutdown", "error", err)
	}

	if err := engine.Destroy(useMinor); err != nil {
		logger.Error("destroy on shutdown", "error", err)
	} else {
		logger.Info("snapshot tracking stopped", "minor", useMinor)
	}
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
