package season

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
)

const snapshotCachePrefix = "season_snapshot:"

var (
	localMu    sync.Mutex
	localCache = map[string]*Snapshot{}
)

func snapshotCacheTTL() time.Duration {
	v := strings.TrimSpace(os.Getenv("SEASON_SNAPSHOT_CACHE_TTL_SECONDS"))
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return time.Hour
}

// LoadWorkbookCached loads the workbook through an in-process map and Redis, both keyed by the
// file fingerprint, so an edited workbook is picked up on the next call.
func LoadWorkbookCached(ctx context.Context, path string) (*Snapshot, error) {
	data, err := readWorkbookFile(path)
	if err != nil {
		return nil, err
	}
	version := Fingerprint(data)

	localMu.Lock()
	if snap, ok := localCache[version]; ok {
		localMu.Unlock()
		return snap, nil
	}
	localMu.Unlock()

	logger := config.GetLogger()
	key := snapshotCachePrefix + version

	var cached Snapshot
	found, err := config.GetRedisObject(key, &cached)
	if err != nil {
		config.LogError(logger, "season", "LoadWorkbookCached", "redis get", key, err)
	}
	if found {
		if cached.Version == version {
			remember(&cached)
			return &cached, nil
		}
		_ = config.RemoveRedisKey(key)
	}

	snap, err := ParseWorkbook(bytes.NewReader(data), version)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(key, snap, snapshotCacheTTL()); err != nil {
		config.LogError(logger, "season", "LoadWorkbookCached", "redis set", key, err)
	}
	remember(snap)
	return snap, nil
}

func remember(snap *Snapshot) {
	localMu.Lock()
	defer localMu.Unlock()
	// a handful of versions at most; drop the rest on overflow
	if len(localCache) >= 8 {
		localCache = map[string]*Snapshot{}
	}
	localCache[snap.Version] = snap
}

// LoadConfigured loads SEASON_WORKBOOK_PATH. A missing path or file yields utils.ErrConfigurationMissing.
func LoadConfigured(ctx context.Context) (*Snapshot, error) {
	return LoadWorkbookCached(ctx, config.SeasonWorkbookPath())
}
