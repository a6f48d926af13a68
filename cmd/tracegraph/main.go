package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tracegraph/config"
	"tracegraph/internal/backtrack"
	"tracegraph/internal/detect"
	"tracegraph/internal/eventstore"
	"tracegraph/internal/input/redisqueue"
	"tracegraph/internal/logger"
	"tracegraph/internal/metrics"
	"tracegraph/internal/noise"
	"tracegraph/internal/output/reportjson"
	"tracegraph/internal/output/tracedot"
	"tracegraph/internal/pipeline"
	"tracegraph/internal/rules"
	"tracegraph/internal/signature"
	"tracegraph/internal/transform/auditbeat"
	"tracegraph/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("tracegraph.yml"); err == nil {
		return "tracegraph.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "tracegraph.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "tracegraph.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.TraceGraph.Input.Mode == "" {
		cfg.TraceGraph.Input.Mode = "file"
	}
	if cfg.TraceGraph.Input.Redis.Addr == "" {
		cfg.TraceGraph.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.TraceGraph.Input.Redis.Key == "" {
		cfg.TraceGraph.Input.Redis.Key = "audit_events"
	}
	if cfg.TraceGraph.Input.Redis.BlockTimeout == 0 {
		cfg.TraceGraph.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if cfg.TraceGraph.Backtrack.MaxHops <= 0 {
		cfg.TraceGraph.Backtrack.MaxHops = backtrack.DefaultMaxHops
	}

	if cfg.TraceGraph.Pipeline.MaxEmbeddings <= 0 {
		cfg.TraceGraph.Pipeline.MaxEmbeddings = detect.DefaultBudget.MaxEmbeddings
	}
	if cfg.TraceGraph.Pipeline.MatchTimeout <= 0 {
		cfg.TraceGraph.Pipeline.MatchTimeout = detect.DefaultBudget.Timeout
	}

	if cfg.TraceGraph.Output.Report.Path == "" {
		cfg.TraceGraph.Output.Report.Path = "output/report.json"
	}
	if cfg.TraceGraph.Output.Dot.Dir == "" {
		cfg.TraceGraph.Output.Dot.Dir = "output/traces"
	}

	if cfg.TraceGraph.Metrics.Addr == "" {
		cfg.TraceGraph.Metrics.Addr = ":9464"
	}

	if cfg.TraceGraph.Logging.Level == "" {
		cfg.TraceGraph.Logging.Level = "info"
	}
}

func loadEvents(ctx context.Context, cfg *config.Config) ([]*models.Event, error) {
	switch cfg.TraceGraph.Input.Mode {
	case "file":
		path := cfg.TraceGraph.Input.File.Path
		if path == "" {
			return nil, fmt.Errorf("input.file.path is required in file mode")
		}
		return auditbeat.ParseFile(path)

	case "redis":
		consumer, err := redisqueue.NewConsumer(redisqueue.Config{
			Addr:         cfg.TraceGraph.Input.Redis.Addr,
			Password:     cfg.TraceGraph.Input.Redis.Password,
			DB:           cfg.TraceGraph.Input.Redis.DB,
			Key:          cfg.TraceGraph.Input.Redis.Key,
			BlockTimeout: cfg.TraceGraph.Input.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, err
		}
		defer consumer.Close()

		lines, err := consumer.Drain(ctx, cfg.TraceGraph.Input.Redis.MaxLines)
		if err != nil {
			return nil, err
		}

		parser := auditbeat.NewParser()
		events := make([]*models.Event, 0, len(lines))
		skipped := 0
		var seq int64
		for _, line := range lines {
			parsed, err := parser.Parse(line)
			if err != nil {
				skipped++
				continue
			}
			for _, ev := range parsed {
				ev.Seq = seq
				seq++
				events = append(events, ev)
			}
		}
		if skipped > 0 {
			logger.Warnf("Skipped %d unparseable queue messages", skipped)
		}
		return events, nil
	}

	return nil, fmt.Errorf("unknown input mode: %s", cfg.TraceGraph.Input.Mode)
}

func printSummary(summary *models.RunSummary) {
	fmt.Printf("events=%d seeds=%d detections=%d\n", summary.TotalEvents, summary.TotalSeeds, summary.TotalDetections)
	for _, seed := range summary.Seeds {
		fmt.Printf("seed %d: %s %s tags=%s nodes=%d edges=%d",
			seed.SeedIndex,
			seed.Timestamp.Format(time.RFC3339),
			seed.Action,
			strings.Join(seed.MatchedTags, ","),
			seed.NodeCount,
			seed.EdgeCount,
		)
		if seed.Degraded {
			fmt.Printf(" [degraded]")
		}
		if seed.MatchingIncomplete {
			fmt.Printf(" [matching incomplete]")
		}
		fmt.Println()
		for _, det := range seed.Detections {
			fmt.Printf("  detection: %s (priority %d)\n    %s\n", det.Signature, det.Priority, det.Chain)
		}
	}
}

func run(args []string) int {
	fs := flag.NewFlagSet("tracegraph", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	inputArg := fs.String("input", "", "Audit log file to analyze (overrides config input)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := findConfigFile(*configArg)

	cfg := &config.Config{}
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	applyDefaults(cfg)
	if *inputArg != "" {
		cfg.TraceGraph.Input.Mode = "file"
		cfg.TraceGraph.Input.File.Path = *inputArg
	}

	if err := logger.Init(cfg.TraceGraph.Logging.Enabled, cfg.TraceGraph.Logging.Level, cfg.TraceGraph.Logging.File, cfg.TraceGraph.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("TraceGraph starting")
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("Shutdown requested")
		cancel()
	}()

	var m *metrics.Metrics
	if cfg.TraceGraph.Metrics.Enabled {
		m = metrics.New()
		m.Serve(ctx, cfg.TraceGraph.Metrics.Addr)
	}

	events, err := loadEvents(ctx, cfg)
	if err != nil {
		logger.Errorf("Failed to load events: %v", err)
		log.Fatalf("Failed to load events: %v", err)
	}
	m.AddEvents(len(events))
	logger.Infof("Loaded %d events", len(events))

	store := eventstore.New(events)

	var engine rules.Engine
	if cfg.TraceGraph.Rules.Sigma.Enabled {
		if strings.TrimSpace(cfg.TraceGraph.Rules.Sigma.Path) == "" {
			logger.Warnf("Sigma rules enabled but rules.sigma.path is empty; Sigma tagging disabled")
		} else {
			sigmaEngine, stats, err := rules.NewSigmaEngine(cfg.TraceGraph.Rules.Sigma.Path)
			if err != nil {
				logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.TraceGraph.Rules.Sigma.Path, err)
				log.Fatalf("Failed to load Sigma rules: %v", err)
			}
			engine = sigmaEngine
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedDatasource,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)
			if stats.Loaded == 0 {
				logger.Warnf("No compatible Sigma rules loaded; Sigma tagging is effectively disabled")
			}
		}
	}

	matcher := rules.NewMatcher(cfg.TraceGraph.Rules.Tags, engine)
	if matcher.Len() == 0 {
		logger.Warnf("No tag rules configured; only Sigma matches can seed traces")
	}

	var lib *signature.Library
	if cfg.TraceGraph.Signatures.Path != "" {
		lib, err = signature.Load(cfg.TraceGraph.Signatures.Path)
		if err != nil {
			logger.Errorf("Failed to load signatures: %v", err)
			log.Fatalf("Failed to load signatures: %v", err)
		}
		logger.Infof("Signature library loaded: %d signatures from %s", len(lib.Signatures), cfg.TraceGraph.Signatures.Path)
	} else {
		lib = signature.Builtin()
		logger.Infof("Using builtin signature library: %d signatures", len(lib.Signatures))
	}

	filter := noise.NewFilter(cfg.TraceGraph.Noise)
	tracker := backtrack.New(store, filter)
	detector := detect.New(lib, detect.Budget{
		MaxEmbeddings: cfg.TraceGraph.Pipeline.MaxEmbeddings,
		Timeout:       cfg.TraceGraph.Pipeline.MatchTimeout,
	})

	egress := true
	if cfg.TraceGraph.Backtrack.Egress != nil {
		egress = *cfg.TraceGraph.Backtrack.Egress
	}
	runner := pipeline.NewRunner(store, matcher, tracker, detector, m, pipeline.Config{
		Workers: cfg.TraceGraph.Pipeline.Workers,
		Backtrack: backtrack.Options{
			MaxHops:      cfg.TraceGraph.Backtrack.MaxHops,
			Egress:       egress,
			EgressWindow: cfg.TraceGraph.Backtrack.EgressWindow,
		},
	})

	results, runErr := runner.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		logger.Errorf("Run error: %v", runErr)
	}

	summary := pipeline.BuildSummary(results, store.Len())

	if err := reportjson.Write(cfg.TraceGraph.Output.Report.Path, summary); err != nil {
		logger.Errorf("Failed to write report: %v", err)
		log.Fatalf("Failed to write report: %v", err)
	}

	if cfg.TraceGraph.Output.Dot.Enabled {
		for _, res := range results {
			if res.Trace == nil {
				continue
			}
			if _, err := tracedot.Write(cfg.TraceGraph.Output.Dot.Dir, res.Index, res.Trace); err != nil {
				logger.Errorf("Failed to write trace graph for seed %d: %v", res.Index, err)
			}
		}
	}

	printSummary(summary)
	logger.Infof("TraceGraph finished")

	if runErr != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
