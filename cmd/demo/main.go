package main

// Demo: a local key server plus the in-process engine simulator.
//
//	go run ./cmd/demo start    # publish the first day of keys and detect
//	go run ./cmd/demo resume   # publish the second day, resume from the checkpoint
//	go run ./cmd/demo reset    # wipe the demo state
//
// State lives in data/demo so that resume sees what start left behind.

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/exposure-pipeline/internal/cli"
	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/server"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

const stateDir = "data/demo"

var days = map[string][]string{
	"start":  {"tw/19000-0.zip", "tw/19000-1.zip", "jp/19000-0.zip"},
	"resume": {"tw/19000-0.zip", "tw/19000-1.zip", "jp/19000-0.zip", "tw/19001-0.zip", "jp/19001-0.zip"},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|resume|reset>")
		os.Exit(1)
	}
	mode := os.Args[1]

	if mode == "reset" {
		if err := os.RemoveAll(stateDir); err != nil {
			log.Fatalf("Failed to reset: %v", err)
		}
		fmt.Println("✓ Demo state removed")
		return
	}
	index, ok := days[mode]
	if !ok {
		log.Fatalf("unknown mode %q", mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL, shutdown, err := serveKeys(index)
	if err != nil {
		log.Fatalf("Failed to start key server: %v", err)
	}
	defer shutdown()
	fmt.Printf("✓ Key server at %s serving %d files\n", baseURL, len(index))

	// 第二天的台灣檔案含有符合的金鑰
	sim := engine.NewSimulator(engine.DefaultSimulatorConfig())
	sim.SeedMatch(keyContent("tw/19001-0.zip"), types.DailySummary{DaysSinceEpoch: 19001, WeightedDurationSum: 25 * 60})

	cfg := cli.DefaultConfig()
	cfg.Download.BaseURL = baseURL
	cfg.Download.SplitByRegion = true
	cfg.Download.TempDir = filepath.Join(stateDir, "tmp")
	cfg.Store.Path = filepath.Join(stateDir, "state.db")
	cfg.Journal.Path = filepath.Join(stateDir, "journal.log")

	app, err := cli.NewApp(cfg, cli.WithEngine(sim))
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer app.Close()

	before, _ := server.CollectStatus(ctx, app.Store)
	if before.LastProcessedFile != "" {
		fmt.Printf("📌 Resuming after checkpoint %s\n", before.LastProcessedFile)
	}

	res := app.Controller.Run(ctx)
	fmt.Printf("\n📊 Detection: outcome=%s files=%d duration=%s\n", res.Outcome, res.Files, res.Duration)
	if res.Error != "" {
		fmt.Printf("   error: %s (%s)\n", res.Error, res.ErrorKind)
	}
	fmt.Printf("   engine received %d temp files in %d submission(s)\n", len(sim.LastProvidedFiles()), sim.ProvideCalls())

	found, err := app.Reconciler.Run(ctx)
	if err != nil {
		log.Fatalf("Reconcile failed: %v", err)
	}
	fmt.Printf("🔎 New exposure: %t\n", found)

	after, err := server.CollectStatus(ctx, app.Store)
	if err != nil {
		log.Fatalf("Status failed: %v", err)
	}
	fmt.Printf("\n📌 Checkpoint:  %s\n", after.LastProcessedFile)
	fmt.Printf("   Exposures:   %d\n", after.Exposures)
	if mode == "start" {
		fmt.Println("\n💡 Run 'go run ./cmd/demo resume' to publish the next day")
	}
}

func keyContent(ref string) []byte {
	return []byte("diagnosis keys " + ref)
}

// serveKeys serves keys/index.txt and the listed files on a random port
func serveKeys(index []string) (string, func(), error) {
	r := mux.NewRouter()
	r.HandleFunc("/keys/index.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Join(index, "\n")))
	})
	for _, ref := range index {
		body := keyContent(ref)
		r.HandleFunc("/"+ref, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(body)
		})
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: r}
	go func() { _ = srv.Serve(lis) }()
	return "http://" + lis.Addr().String(), func() { _ = srv.Close() }, nil
}
