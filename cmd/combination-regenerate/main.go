package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/workflow"
)

func main() {
	codesCSV := flag.String("product-codes", "", "Optional: comma separated product codes (default all products)")
	syncMode := flag.Bool("sync", false, "Catalog sync: only products without combinations or with changed names/images")
	onlyMissing := flag.Bool("only-missing", false, "With --sync: only products that have no combinations")
	updateExisting := flag.Bool("update-existing", false, "Drop unassigned combinations and append a fresh set")
	force := flag.Bool("force", false, "Drop every combination and number from 0 again (ignores assignments)")
	batchSize := flag.Int("batch", 50, "Products per batch")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before regenerating")
	flag.Parse()

	if *syncMode && (*updateExisting || *force) {
		fmt.Fprintln(os.Stderr, "--sync decides per product; do not combine it with --update-existing or --force")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisIfConfigured()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *migrate {
		models.MigrateTable()
	}
	logger := config.GetLogger()

	var codes []string
	for _, c := range strings.Split(*codesCSV, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}

	opts := workflow.SyncOptions{
		ProductCodes: codes,
		OnlyMissing:  *onlyMissing,
		BatchSize:    *batchSize,
		Progress: func(p workflow.SyncProgress) {
			fmt.Printf("progress %d/%d generated=%d skipped=%d failed=%d current=%s\n",
				p.Processed, p.Total, p.Generated, p.Skipped, p.Failed, p.Current)
		},
	}

	var (
		sum *workflow.SyncSummary
		err error
	)
	if *syncMode {
		sum, err = workflow.SyncCombinations(ctx, db, logger, opts)
	} else {
		sum, err = workflow.RegenerateCombinations(ctx, db, logger, workflow.GenerateOptions{
			UpdateExisting:  *updateExisting,
			ForceRegenerate: *force,
		}, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "regenerate failed: %v\n", err)
		os.Exit(1)
	}
	for _, f := range sum.Failures {
		fmt.Fprintf(os.Stderr, "failed %s: %v\n", f.ProductCode, f.Err)
	}
	if sum.Cancelled {
		fmt.Println("combination regenerate interrupted")
		os.Exit(130)
	}
	fmt.Printf("combination regenerate complete: total=%d generated=%d skipped=%d failed=%d\n",
		sum.Total, sum.Generated, sum.Skipped, sum.Failed)
	if sum.Failed > 0 {
		os.Exit(2)
	}
}
