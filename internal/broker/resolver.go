package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"ladder_engine/internal/core"
	"ladder_engine/pkg/retry"
)

const scripCacheMaxAge = 7 * 24 * time.Hour

// ScripResolver maps trading symbols to broker security identifiers using the
// exchange scrip-master CSV. The mapping is loaded once (guarded single-flight)
// and cached on disk so restarts do not refetch a multi-megabyte file daily.
type ScripResolver struct {
	masterURL string
	cacheFile string
	logger    core.ILogger

	mu       sync.RWMutex
	loaded   bool
	bySymbol map[string]int64
	byID     map[int64]string

	loadOnce sync.Once
	loadErr  error
}

type scripCache struct {
	FetchedAt time.Time        `json:"fetched_at"`
	Symbols   map[string]int64 `json:"symbols"`
}

// NewScripResolver creates a resolver. The mapping is loaded lazily on first
// Resolve, or eagerly via Load.
func NewScripResolver(masterURL, cacheFile string, logger core.ILogger) *ScripResolver {
	return &ScripResolver{
		masterURL: masterURL,
		cacheFile: cacheFile,
		logger:    logger.WithField("component", "scrip_resolver"),
		bySymbol:  make(map[string]int64),
		byID:      make(map[int64]string),
	}
}

// Load fetches or reads the cached scrip mapping. Safe to call concurrently;
// only the first call does work.
func (r *ScripResolver) Load(ctx context.Context) error {
	r.loadOnce.Do(func() {
		r.loadErr = r.load(ctx)
	})
	return r.loadErr
}

// Resolve returns the security id for a symbol. A missing mapping means the
// symbol cannot be traded; it is not an error for the run.
func (r *ScripResolver) Resolve(symbol string) (int64, bool) {
	if err := r.Load(context.Background()); err != nil {
		r.logger.Error("Scrip master unavailable", "error", err)
		return 0, false
	}

	key := core.NormalizeSymbol(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.bySymbol[key]; ok {
		return id, true
	}
	// Series-suffixed listing fallback.
	if id, ok := r.bySymbol[key+"-EQ"]; ok {
		return id, true
	}
	return 0, false
}

// SymbolFor returns the trading symbol for a security id.
func (r *ScripResolver) SymbolFor(id int64) (string, bool) {
	if err := r.Load(context.Background()); err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.byID[id]
	return sym, ok
}

func (r *ScripResolver) load(ctx context.Context) error {
	if cached, ok := r.readCache(); ok {
		r.install(cached.Symbols)
		r.logger.Info("Scrip mapping loaded from cache",
			"symbols", len(cached.Symbols),
			"age", time.Since(cached.FetchedAt).Round(time.Minute).String(),
		)
		return nil
	}

	symbols, err := r.fetchMaster(ctx)
	if err != nil {
		return err
	}
	r.install(symbols)
	r.writeCache(scripCache{FetchedAt: time.Now(), Symbols: symbols})
	r.logger.Info("Scrip mapping fetched", "symbols", len(symbols))
	return nil
}

func (r *ScripResolver) install(symbols map[string]int64) {
	byID := make(map[int64]string, len(symbols))
	for sym, id := range symbols {
		byID[id] = sym
	}
	r.mu.Lock()
	r.bySymbol = symbols
	r.byID = byID
	r.loaded = true
	r.mu.Unlock()
}

func (r *ScripResolver) readCache() (scripCache, bool) {
	if r.cacheFile == "" {
		return scripCache{}, false
	}
	data, err := os.ReadFile(r.cacheFile)
	if err != nil {
		return scripCache{}, false
	}
	var cached scripCache
	if err := json.Unmarshal(data, &cached); err != nil {
		r.logger.Warn("Ignoring unreadable scrip cache", "file", r.cacheFile, "error", err)
		return scripCache{}, false
	}
	if len(cached.Symbols) == 0 || time.Since(cached.FetchedAt) > scripCacheMaxAge {
		return scripCache{}, false
	}
	return cached, true
}

func (r *ScripResolver) writeCache(cached scripCache) {
	if r.cacheFile == "" {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := os.WriteFile(r.cacheFile, data, 0o644); err != nil {
		r.logger.Warn("Failed to write scrip cache", "file", r.cacheFile, "error", err)
	}
}

func (r *ScripResolver) fetchMaster(ctx context.Context) (map[string]int64, error) {
	var body io.ReadCloser

	policy := retry.RetryPolicy{MaxAttempts: 4, InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
	err := retry.Do(ctx, policy, func(error) bool { return true }, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.masterURL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("scrip master fetch: status %d", resp.StatusCode)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scrip master download failed: %w", err)
	}
	defer body.Close()

	return parseScripMaster(body)
}

// parseScripMaster extracts NSE equity symbol -> security id pairs from the
// scrip-master CSV, locating columns by header name.
func parseScripMaster(r io.Reader) (map[string]int64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("scrip master header: %w", err)
	}

	col := func(names ...string) int {
		for i, h := range header {
			for _, name := range names {
				if strings.EqualFold(strings.TrimSpace(h), name) {
					return i
				}
			}
		}
		return -1
	}

	symCol := col("SEM_TRADING_SYMBOL", "TRADING_SYMBOL")
	idCol := col("SEM_SMST_SECURITY_ID", "SECURITY_ID")
	exchCol := col("SEM_EXM_EXCH_ID", "EXCH_ID")
	if symCol < 0 || idCol < 0 {
		return nil, fmt.Errorf("scrip master: required columns not found")
	}

	symbols := make(map[string]int64)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if symCol >= len(rec) || idCol >= len(rec) {
			continue
		}
		if exchCol >= 0 && exchCol < len(rec) && !strings.EqualFold(strings.TrimSpace(rec[exchCol]), "NSE") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[idCol]), 10, 64)
		if err != nil {
			continue
		}
		sym := core.NormalizeSymbol(rec[symCol])
		if sym == "" {
			continue
		}
		if _, exists := symbols[sym]; !exists {
			symbols[sym] = id
		}
	}

	if len(symbols) == 0 {
		return nil, fmt.Errorf("scrip master: no NSE equity rows parsed")
	}
	return symbols, nil
}

// StaticResolver is a fixed symbol mapping, used in tests and offline tools.
type StaticResolver struct {
	bySymbol map[string]int64
	byID     map[int64]string
}

// NewStaticResolver builds a resolver from a literal mapping.
func NewStaticResolver(symbols map[string]int64) *StaticResolver {
	byID := make(map[int64]string, len(symbols))
	normalized := make(map[string]int64, len(symbols))
	for sym, id := range symbols {
		key := core.NormalizeSymbol(sym)
		normalized[key] = id
		byID[id] = key
	}
	return &StaticResolver{bySymbol: normalized, byID: byID}
}

func (r *StaticResolver) Resolve(symbol string) (int64, bool) {
	id, ok := r.bySymbol[core.NormalizeSymbol(symbol)]
	return id, ok
}

func (r *StaticResolver) SymbolFor(id int64) (string, bool) {
	sym, ok := r.byID[id]
	return sym, ok
}
