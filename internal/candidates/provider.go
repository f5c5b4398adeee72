package candidates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"ladder_engine/internal/core"
	apperrors "ladder_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// quoteSource is the slice of the broker API the provider needs to backfill
// previous closes.
type quoteSource interface {
	OhlcSnapshot(ctx context.Context, symbols []string) (map[string]core.Quote, error)
}

// Provider resolves the day's universe: sqlite cache first, then the JSON
// artifact the screener drops, backfilling missing previous closes from a
// broker OHLC snapshot. Implements core.ICandidateProvider.
type Provider struct {
	store  *Store // may be nil when no db is configured
	file   string
	quotes quoteSource
	loc    *time.Location
	logger core.ILogger
}

type artifact struct {
	Date       string `json:"date"`
	Candidates []struct {
		Symbol    string  `json:"symbol"`
		PrevClose float64 `json:"prev_close"`
	} `json:"candidates"`
}

// NewProvider builds a provider. Either store or file may be absent, but an
// empty result from both is a startup error, not an empty session.
func NewProvider(store *Store, file string, quotes quoteSource, loc *time.Location, logger core.ILogger) *Provider {
	if loc == nil {
		loc = time.Local
	}
	return &Provider{
		store:  store,
		file:   file,
		quotes: quotes,
		loc:    loc,
		logger: logger.WithField("component", "candidates"),
	}
}

// Load returns symbol -> previous close for today.
func (p *Provider) Load(ctx context.Context) (map[string]decimal.Decimal, error) {
	day := time.Now().In(p.loc).Format("2006-01-02")

	universe, err := p.fromStore(day)
	if err != nil {
		return nil, err
	}
	if len(universe) == 0 {
		universe, err = p.fromFile(day)
		if err != nil {
			return nil, err
		}
		if len(universe) > 0 && p.store != nil {
			if err := p.store.SaveDay(day, universe); err != nil {
				p.logger.Warn("Failed to cache candidate universe", "error", err)
			}
		}
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("%w: no universe for %s", apperrors.ErrNoCandidates, day)
	}

	if err := p.backfillPrevCloses(ctx, universe); err != nil {
		p.logger.Warn("Previous close backfill incomplete", "error", err)
	}

	p.logger.Info("Candidate universe loaded", "day", day, "symbols", len(universe))
	return universe, nil
}

func (p *Provider) fromStore(day string) (map[string]decimal.Decimal, error) {
	if p.store == nil {
		return nil, nil
	}
	universe, err := p.store.LoadDay(day)
	if err != nil {
		return nil, fmt.Errorf("candidate db: %w", err)
	}
	return universe, nil
}

func (p *Provider) fromFile(day string) (map[string]decimal.Decimal, error) {
	if p.file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(p.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("candidate file: %w", err)
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("candidate file %s: %w", p.file, err)
	}
	if art.Date != "" && art.Date != day {
		p.logger.Warn("Candidate artifact is stale, ignoring", "artifact_date", art.Date, "today", day)
		return nil, nil
	}

	universe := make(map[string]decimal.Decimal, len(art.Candidates))
	for _, c := range art.Candidates {
		sym := core.NormalizeSymbol(c.Symbol)
		if sym == "" {
			continue
		}
		universe[sym] = decimal.NewFromFloat(c.PrevClose)
	}
	return universe, nil
}

// backfillPrevCloses fills zero previous closes from a snapshot call; symbols
// the broker does not quote keep zero and are later skipped by the gap logic.
func (p *Provider) backfillPrevCloses(ctx context.Context, universe map[string]decimal.Decimal) error {
	if p.quotes == nil {
		return nil
	}
	var missing []string
	for sym, prevClose := range universe {
		if prevClose.Sign() <= 0 {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	quotes, err := p.quotes.OhlcSnapshot(ctx, missing)
	if err != nil {
		return err
	}
	filled := 0
	for sym, quote := range quotes {
		if quote.PrevClose.Sign() > 0 {
			universe[core.NormalizeSymbol(sym)] = quote.PrevClose
			filled++
		}
	}
	p.logger.Info("Previous closes backfilled", "missing", len(missing), "filled", filled)
	return nil
}
