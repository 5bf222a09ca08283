package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
)

func TestGetAndAssign_MySQLAndRedisLockers(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()

	redisPort := testutil.StartRedis(t)
	mysqlPort := testutil.StartMySQL(t)

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "listing_test")

	prev := config.GetDB()
	t.Cleanup(func() { config.SetDB(prev) })
	config.ConnectDatabaseWithRetry()
	if !config.ConnectRedisIfConfigured() {
		t.Fatalf("redis not connected")
	}
	db := config.GetDB()
	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := testutil.Logger(t)

	for _, mode := range []string{config.AllocationLockDB, config.AllocationLockRedis} {
		t.Run(mode, func(t *testing.T) {
			code := "INT-" + mode
			seedGenerated(t, ctx, db, code, testutil.Names("n", 12), "a", "b", "Cat")

			// two engines stand in for two service replicas
			engines := []*AllocationEngine{
				NewAllocationEngine(db, logger, NewAllocationLocker(mode, db, logger)),
				NewAllocationEngine(db, logger, NewAllocationLocker(mode, db, logger)),
			}
			for _, e := range engines {
				e.OnePerStorefront = true
			}
			switch mode {
			case config.AllocationLockDB:
				if _, ok := engines[0].locker.(*MySQLLocker); !ok {
					t.Fatalf("expected MySQLLocker, got %T", engines[0].locker)
				}
			case config.AllocationLockRedis:
				if _, ok := engines[0].locker.(*RedisLocker); !ok {
					t.Fatalf("expected RedisLocker, got %T", engines[0].locker)
				}
			}

			const storefronts = 24
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seen = map[int]bool{}
			)
			errs := make(chan error, storefronts)
			for i := 0; i < storefronts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e := engines[i%len(engines)]
					c, _, err := e.GetAndAssign(ctx, "market", fmt.Sprintf("shop-%d", i), code)
					if err != nil {
						errs <- err
						return
					}
					if c == nil {
						errs <- fmt.Errorf("shop-%d: no combination", i)
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if seen[c.CombinationIndex] {
						errs <- fmt.Errorf("idx %d granted twice", c.CombinationIndex)
						return
					}
					seen[c.CombinationIndex] = true
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}
			if len(seen) != storefronts {
				t.Fatalf("expected %d grants, got %d", storefronts, len(seen))
			}
		})
	}

	t.Run("mysql lock is exclusive", func(t *testing.T) {
		l := &MySQLLocker{db: db}
		release, err := l.Lock(ctx, "allocation:test")
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		if _, err := l.Lock(waitCtx, "allocation:test"); err == nil {
			t.Fatalf("expected second lock to fail while held")
		}
		release()
		again, err := l.Lock(ctx, "allocation:test")
		if err != nil {
			t.Fatalf("lock after release: %v", err)
		}
		again()
	})
}
