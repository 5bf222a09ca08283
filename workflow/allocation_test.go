package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/testutil"
	"github.com/mmdatafocus/listing_backend/utils"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T, db *gorm.DB, onePerStorefront bool) *AllocationEngine {
	t.Helper()
	e := NewAllocationEngine(db, testutil.Logger(t), NewLocalLocker())
	e.OnePerStorefront = onePerStorefront
	return e
}

func seedGenerated(t *testing.T, ctx context.Context, db *gorm.DB, code string, names []string, imageA, imageB, category string) *models.Product {
	t.Helper()
	p := testutil.SeedProduct(t, ctx, db, code, names, imageA, imageB, category)
	if _, err := GenerateCombinations(ctx, db, testutil.Logger(t), p, GenerateOptions{}); err != nil {
		t.Fatalf("generate %s: %v", code, err)
	}
	return p
}

func TestGetNextAvailable_LowestUnassigned(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	e := newTestEngine(t, db, true)
	seedGenerated(t, ctx, db, "P1", testutil.Names("n", 3), "a", "b", "Cat")

	testutil.SeedAssignment(t, ctx, db, "market", "shop-1", "P1", 0)
	testutil.SeedAssignment(t, ctx, db, "market", "shop-2", "P1", 1)
	testutil.SeedAssignment(t, ctx, db, "other", "shop-9", "P1", 2)

	next, err := e.GetNextAvailable(ctx, "P1", "market", "shop-3")
	if err != nil {
		t.Fatalf("GetNextAvailable error: %v", err)
	}
	if next == nil || next.CombinationIndex != 2 {
		t.Fatalf("expected idx 2 (grants in other channels do not count), got %+v", next)
	}

	// shop-1 already holds P1
	held, err := e.GetNextAvailable(ctx, "P1", "market", "shop-1")
	if err != nil {
		t.Fatalf("GetNextAvailable error: %v", err)
	}
	if held != nil {
		t.Fatalf("expected nil for storefront holding the product, got idx %d", held.CombinationIndex)
	}

	if _, err := e.GetNextAvailable(ctx, "", "market", ""); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error for empty product code, got %v", err)
	}
}

func TestNextUnassigned_PagingAndLargeExclusion(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedGenerated(t, ctx, db, "P1", testutil.Names("n", 5), "a", "b", "Cat")
	for i := 0; i < 7; i++ {
		testutil.SeedAssignment(t, ctx, db, "market", fmt.Sprintf("shop-%d", i), "P1", i)
	}
	used, err := models.AssignedIndices(ctx, db, "market", "P1")
	if err != nil {
		t.Fatalf("AssignedIndices: %v", err)
	}

	tests := []struct {
		name      string
		lookahead int
		threshold int
	}{
		{"small pages", 2, 1000},
		{"not exists", 100, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, db, false)
			e.LookaheadLimit = tc.lookahead
			e.LargeExclusionThreshold = tc.threshold
			got, err := e.nextUnassigned(ctx, "P1", "market", used, 2)
			if err != nil {
				t.Fatalf("nextUnassigned: %v", err)
			}
			if len(got) != 2 || got[0].CombinationIndex != 7 || got[1].CombinationIndex != 8 {
				t.Fatalf("expected idx 7 and 8, got %+v", got)
			}
		})
	}
}

func TestAssign_Results(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedGenerated(t, ctx, db, "P1", testutil.Names("n", 2), "a", "b", "Cat")
	strict := newTestEngine(t, db, true)
	loose := newTestEngine(t, db, false)

	res, err := strict.Assign(ctx, "P1", 0, "market", "shop-1")
	if err != nil || res != AssignGranted {
		t.Fatalf("expected granted, got %s %v", res, err)
	}
	res, err = strict.Assign(ctx, "P1", 0, "market", "shop-1")
	if err != nil || res != AssignAlreadyGranted {
		t.Fatalf("expected already-granted on repeat, got %s %v", res, err)
	}
	if _, err := strict.Assign(ctx, "P1", 0, "market", "shop-2"); !errors.Is(err, ErrCombinationTaken) {
		t.Fatalf("expected ErrCombinationTaken, got %v", err)
	}
	if _, err := strict.Assign(ctx, "P1", 1, "market", "shop-1"); !errors.Is(err, ErrStorefrontHasProduct) {
		t.Fatalf("expected ErrStorefrontHasProduct, got %v", err)
	}
	if res, err := loose.Assign(ctx, "P1", 1, "market", "shop-1"); err != nil || res != AssignGranted {
		t.Fatalf("expected second grant without the policy, got %s %v", res, err)
	}
	// same index in another channel is independent
	if res, err := strict.Assign(ctx, "P1", 0, "other", "shop-2"); err != nil || res != AssignGranted {
		t.Fatalf("expected grant in another channel, got %s %v", res, err)
	}

	invalid := []struct {
		name  string
		code  string
		index int
		sf    string
	}{
		{"missing storefront", "P1", 2, ""},
		{"negative index", "P1", -1, "shop-3"},
		{"unknown index", "P1", 99, "shop-3"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := strict.Assign(ctx, tc.code, tc.index, "market", tc.sf); !errors.Is(err, utils.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetAndAssign_DisjointAcrossStorefronts(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedGenerated(t, ctx, db, "P1", testutil.Names("n", 5), "a", "b", "Cat")
	e := newTestEngine(t, db, true)

	const storefronts = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[int]string{}
	)
	errs := make(chan error, storefronts)
	for i := 0; i < storefronts; i++ {
		wg.Add(1)
		go func(sf string) {
			defer wg.Done()
			c, res, err := e.GetAndAssign(ctx, "market", sf, "P1")
			if err != nil {
				errs <- err
				return
			}
			if c == nil || res != AssignGranted {
				errs <- fmt.Errorf("%s: expected a grant, got %v %s", sf, c, res)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := got[c.CombinationIndex]; ok {
				errs <- fmt.Errorf("idx %d granted to %s and %s", c.CombinationIndex, prev, sf)
				return
			}
			got[c.CombinationIndex] = sf
		}(fmt.Sprintf("shop-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if len(got) != storefronts {
		t.Fatalf("expected %d distinct indices, got %d", storefronts, len(got))
	}
	for i := 0; i < storefronts; i++ {
		if _, ok := got[i]; !ok {
			t.Fatalf("expected the lowest %d indices to be used, missing %d", storefronts, i)
		}
	}
}

func TestGetAndAssign_ReturnsHeldGrantAndExhausts(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	seedGenerated(t, ctx, db, "P1", []string{"only"}, "", "", "Cat")
	e := newTestEngine(t, db, true)

	first, res, err := e.GetAndAssign(ctx, "market", "shop-1", "P1")
	if err != nil || first == nil || res != AssignGranted {
		t.Fatalf("expected first grant, got %v %s %v", first, res, err)
	}
	again, res, err := e.GetAndAssign(ctx, "market", "shop-1", "P1")
	if err != nil || again == nil || res != AssignAlreadyGranted || again.CombinationIndex != first.CombinationIndex {
		t.Fatalf("expected held grant back, got %v %s %v", again, res, err)
	}
	none, res, err := e.GetAndAssign(ctx, "market", "shop-2", "P1")
	if err != nil {
		t.Fatalf("GetAndAssign error: %v", err)
	}
	if none != nil || res != "" {
		t.Fatalf("expected exhaustion, got %v %s", none, res)
	}
}

func TestLocalLocker_SerializesPerKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// other keys are independent
	other, err := l.Lock(ctx, "other")
	if err != nil {
		t.Fatalf("lock other: %v", err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while held, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := l.Lock(ctx, "k")
		if err == nil {
			r()
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatalf("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock not acquired after release")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(l.locks))
	}
}

func TestNewAllocationLocker_Fallbacks(t *testing.T) {
	db := testutil.DB(t)
	logger := testutil.Logger(t)
	if _, ok := NewAllocationLocker("none", db, logger).(NoopLocker); !ok {
		t.Fatalf("expected NoopLocker for none")
	}
	if _, ok := NewAllocationLocker("db", db, logger).(*LocalLocker); !ok {
		t.Fatalf("expected local fallback for db mode on sqlite")
	}
	if _, ok := NewAllocationLocker("local", db, logger).(*LocalLocker); !ok {
		t.Fatalf("expected LocalLocker for local")
	}
}
