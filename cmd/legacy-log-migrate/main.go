package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/workflow"
)

func main() {
	dryRun := flag.Bool("dry-run", true, "Classify upload logs without writing grants or audit rows")
	generateMissing := flag.Bool("generate-missing", true, "Generate combinations for products that have none first")
	pageSize := flag.Int("page-size", 500, "Upload log rows read per page")
	showOutcomes := flag.Bool("show-outcomes", false, "With --dry-run: print every non-migrated outcome as JSON")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisIfConfigured()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()
	logger := config.GetLogger()

	locker := workflow.NewAllocationLocker(config.AllocationLockMode(), db, logger)
	engine := workflow.NewAllocationEngine(db, logger, locker)

	report, err := engine.MigrateLegacyAssignments(ctx, workflow.LegacyMigrationOptions{
		DryRun:          *dryRun,
		GenerateMissing: *generateMissing,
		PageSize:        *pageSize,
		Progress: func(run models.LegacyMigrationRun) {
			fmt.Printf("scanned=%d migrated=%d already=%d no_match=%d ambiguous=%d conflicts=%d invalid=%d\n",
				run.Scanned, run.Migrated, run.AlreadyPresent, run.NoMatch, run.Ambiguous, run.Conflicts, run.Invalid)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "legacy migration failed: %v\n", err)
		os.Exit(1)
	}

	if *dryRun && *showOutcomes {
		enc := json.NewEncoder(os.Stdout)
		for _, o := range report.Outcomes {
			if o.Outcome == models.LegacyOutcomeMigrated || o.Outcome == models.LegacyOutcomeAlreadyPresent {
				continue
			}
			_ = enc.Encode(o)
		}
	}

	run := report.Run
	fmt.Printf("legacy migration %s (run=%s dry_run=%t): scanned=%d migrated=%d already=%d no_match=%d ambiguous=%d conflicts=%d invalid=%d\n",
		run.Status, run.RunKey, run.DryRun, run.Scanned, run.Migrated, run.AlreadyPresent, run.NoMatch, run.Ambiguous, run.Conflicts, run.Invalid)
}
