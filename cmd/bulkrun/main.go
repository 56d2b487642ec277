package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/timmy/sitexport/internal/app"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		ServiceName: "sitexport-bulkrun",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	sitesFlag := flag.String("sites", "", "Comma-separated sites to export (default: every configured site)")
	resume := flag.Bool("resume", false, "Ask workers to resume previous exports")
	overridesFlag := flag.String("concurrency", "", "Per-site worker concurrency, e.g. alpha=4,beta=2")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	overrides, err := parseOverrides(*overridesFlag)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid -concurrency flag")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	sites := splitList(*sitesFlag)
	if len(sites) == 0 {
		for _, s := range cfg.Sites {
			sites = append(sites, s.Name)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}
	if err := a.Start(); err != nil {
		appLogger.WithError(err).Fatal("Failed to start queue sweep")
	}

	final, err := run(ctx, a, sites, *resume, overrides)

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.WithError(shutdownErr).Warn("Shutdown did not complete cleanly")
	}

	if err != nil {
		appLogger.WithError(err).Error("Bulk run interrupted")
		os.Exit(1)
	}
	report(appLogger, final)
	if final.Status != domain.BulkRunStatusCompleted {
		os.Exit(1)
	}
}

// run starts the bulk run and blocks until it settled or ctx is done.
func run(ctx context.Context, a *app.App, sites []string, resume bool, overrides map[string]int) (domain.BulkRunSnapshot, error) {
	snap, err := a.Runs.Start(ctx, sites, resume, overrides)
	if err != nil {
		return domain.BulkRunSnapshot{}, err
	}

	log := logger.GetDefault().WithField(logger.FieldRunID, snap.ID)
	settled := make(chan domain.BulkRunSnapshot, 1)
	last := time.Time{}

	unsubscribe, err := a.Runs.Subscribe(ctx, snap.ID, func(s domain.BulkRunSnapshot) error {
		if s.Settled() {
			select {
			case settled <- s:
			default:
			}
			return nil
		}
		if time.Since(last) >= 2*time.Second {
			last = time.Now()
			log.WithFields(logger.Fields{
				"processed": s.Aggregate.ProcessedURLs,
				"total":     s.Aggregate.TotalURLs,
				"pending":   len(s.Pending),
			}).Info(progressLine(s))
		}
		return nil
	})
	if err != nil {
		return domain.BulkRunSnapshot{}, err
	}
	defer unsubscribe()

	// done fires even when the progress subscription dropped the last snapshot.
	done, err := a.Runs.Settled(snap.ID)
	if err != nil {
		return domain.BulkRunSnapshot{}, err
	}

	select {
	case s := <-settled:
		return s, nil
	case <-done:
		return a.Runs.Get(snap.ID)
	case <-ctx.Done():
		return domain.BulkRunSnapshot{}, ctx.Err()
	}
}

func progressLine(s domain.BulkRunSnapshot) string {
	var parts []string
	for _, st := range domain.AllSiteStatuses {
		if n := s.Aggregate.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	line := "Bulk run progress: " + strings.Join(parts, " ")
	if s.Aggregate.Percent != nil {
		line += fmt.Sprintf(" (%.1f%%)", *s.Aggregate.Percent)
	}
	return line
}

func report(log *logger.Logger, s domain.BulkRunSnapshot) {
	for _, st := range s.Sites {
		entry := log.WithFields(logger.Fields{
			logger.FieldSite:   st.Site,
			logger.FieldStatus: string(st.Status),
			logger.FieldJobID:  st.JobID,
			"processed":        st.Progress.ProcessedURLs,
			"failed_urls":      st.Progress.FailedURLs,
		})
		if st.Error != "" {
			entry.WithField("error", st.Error).Warn("Site did not complete")
			continue
		}
		entry.Info("Site finished")
	}

	fields := logger.Fields{
		logger.FieldRunID:  s.ID,
		logger.FieldStatus: string(s.Status),
	}
	if s.Archive.Path != "" {
		fields["archive"] = s.Archive.Path
		fields["archive_size"] = humanize.Bytes(uint64(s.Archive.Size))
	}
	if s.Archive.URL != "" {
		fields["archive_url"] = s.Archive.URL
	}
	if s.Archive.Error != "" {
		fields["archive_error"] = s.Archive.Error
	}
	log.WithFields(fields).Info("Bulk run finished")
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseOverrides reads "site=n" pairs.
func parseOverrides(v string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range splitList(v) {
		name, num, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected site=n, got %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid concurrency for %s: %q", name, num)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}
