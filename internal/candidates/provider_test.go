package candidates

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ladder_engine/internal/core"
	apperrors "ladder_engine/pkg/errors"
	"ladder_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuotes struct {
	quotes map[string]core.Quote
	calls  int
}

func (f *fakeQuotes) OhlcSnapshot(ctx context.Context, symbols []string) (map[string]core.Quote, error) {
	f.calls++
	out := make(map[string]core.Quote)
	for _, sym := range symbols {
		if q, ok := f.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

func writeArtifact(t *testing.T, dir, date string, candidates map[string]float64) string {
	t.Helper()
	art := map[string]interface{}{"date": date}
	var list []map[string]interface{}
	for sym, pc := range candidates {
		list = append(list, map[string]interface{}{"symbol": sym, "prev_close": pc})
	}
	art["candidates"] = list
	data, err := json.Marshal(art)
	require.NoError(t, err)
	path := filepath.Join(dir, "candidates.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestProvider(t *testing.T, store *Store, file string, quotes quoteSource) *Provider {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewProvider(store, file, quotes, time.Local, logger)
}

func today() string { return time.Now().Format("2006-01-02") }

func TestProviderLoadsFromArtifact(t *testing.T) {
	file := writeArtifact(t, t.TempDir(), today(), map[string]float64{
		"RELIANCE": 2855.5,
		"tcs":      4102,
	})

	p := newTestProvider(t, nil, file, nil)
	universe, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, universe, 2)
	assert.True(t, universe["RELIANCE"].Equal(decimal.NewFromFloat(2855.5)))
	assert.Contains(t, universe, "TCS", "symbols are normalized")
}

func TestProviderRejectsStaleArtifact(t *testing.T) {
	file := writeArtifact(t, t.TempDir(), "2020-01-01", map[string]float64{"RELIANCE": 2855})

	p := newTestProvider(t, nil, file, nil)
	_, err := p.Load(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoCandidates, "yesterday's screener output must not seed today's session")
}

func TestProviderEmptyUniverseIsError(t *testing.T) {
	p := newTestProvider(t, nil, filepath.Join(t.TempDir(), "missing.json"), nil)
	_, err := p.Load(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoCandidates)
}

func TestProviderPrefersStoreOverArtifact(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SaveDay(today(), map[string]decimal.Decimal{
		"INFY": decimal.NewFromInt(1550),
	}))
	file := writeArtifact(t, t.TempDir(), today(), map[string]float64{"RELIANCE": 2855})

	p := newTestProvider(t, store, file, nil)
	universe, err := p.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, universe, 1)
	assert.Contains(t, universe, "INFY")
}

func TestProviderCachesArtifactIntoStore(t *testing.T) {
	store := testStore(t)
	file := writeArtifact(t, t.TempDir(), today(), map[string]float64{"RELIANCE": 2855})

	p := newTestProvider(t, store, file, nil)
	_, err := p.Load(context.Background())
	require.NoError(t, err)

	cached, err := store.LoadDay(today())
	require.NoError(t, err)
	assert.Contains(t, cached, "RELIANCE")
}

func TestProviderBackfillsMissingPrevCloses(t *testing.T) {
	file := writeArtifact(t, t.TempDir(), today(), map[string]float64{
		"RELIANCE": 2855,
		"TCS":      0, // screener had no close for this one
	})
	quotes := &fakeQuotes{quotes: map[string]core.Quote{
		"TCS": {LTP: decimal.NewFromInt(4100), PrevClose: decimal.NewFromInt(4102)},
	}}

	p := newTestProvider(t, nil, file, quotes)
	universe, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, quotes.calls, "only symbols missing a close are fetched")
	assert.True(t, universe["TCS"].Equal(decimal.NewFromInt(4102)))
	assert.True(t, universe["RELIANCE"].Equal(decimal.NewFromInt(2855)), "present closes are untouched")
}

func TestProviderSkipsBackfillWhenComplete(t *testing.T) {
	file := writeArtifact(t, t.TempDir(), today(), map[string]float64{"RELIANCE": 2855})
	quotes := &fakeQuotes{}

	p := newTestProvider(t, nil, file, quotes)
	_, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, quotes.calls)
}
