package kite

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// expiryStaleness is how long the instrument dump is trusted before a refresh.
const expiryStaleness = time.Hour

// Instrument is one option contract row from the broker's instrument dump.
type Instrument struct {
	Token          uint32
	TradingSymbol  string
	Expiry         time.Time
	Strike         int
	LotSize        int
	InstrumentType string // "CE" or "PE"
}

// InstrumentCache holds the option chain for one underlying, refreshed lazily
// from the broker's instrument dump when older than an hour.
type InstrumentCache struct {
	client     RestClientInterface
	logger     *zap.Logger
	underlying string
	exchange   string

	mu            sync.Mutex
	instruments   []Instrument
	lastRefreshed time.Time
}

// NewInstrumentCache creates an empty cache; the first lookup triggers a refresh.
func NewInstrumentCache(client RestClientInterface, logger *zap.Logger, underlying, exchange string) *InstrumentCache {
	return &InstrumentCache{
		client:     client,
		logger:     logger,
		underlying: underlying,
		exchange:   exchange,
	}
}

// refreshLocked re-downloads the instrument dump if the cache is empty or stale.
// Callers must hold c.mu.
func (c *InstrumentCache) refreshLocked() error {
	if len(c.instruments) > 0 && time.Since(c.lastRefreshed) < expiryStaleness {
		return nil
	}

	dump, err := c.client.InstrumentDump(c.exchange)
	if err != nil {
		return fmt.Errorf("could not refresh instrument cache: %w", err)
	}

	c.instruments = parseInstrumentDump(dump, c.underlying)
	c.lastRefreshed = time.Now()
	c.logger.Info("Refreshed instrument cache",
		zap.String("underlying", c.underlying),
		zap.Int("contracts", len(c.instruments)),
	)
	return nil
}

// parseInstrumentDump extracts the option contracts for one underlying from the
// broker's line-oriented instrument record set. Columns (per the Kite dump):
// 0 instrument_token, 2 tradingsymbol, 5 expiry, 6 strike, 8 lot_size,
// 9 instrument_type. Rows that fail to parse are skipped.
func parseInstrumentDump(dump, underlying string) []Instrument {
	reader := csv.NewReader(strings.NewReader(dump))
	reader.FieldsPerRecord = -1 // row widths vary across segments
	reader.LazyQuotes = true

	var out []Instrument
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		if len(fields) < 10 || !strings.HasPrefix(fields[2], underlying) {
			continue
		}
		if fields[9] != "CE" && fields[9] != "PE" {
			continue
		}

		token, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		expiry, err := time.Parse("2006-01-02", fields[5])
		if err != nil {
			continue
		}
		strike, err := strconv.ParseFloat(fields[6], 64)
		if err != nil {
			continue
		}
		lotSize, _ := strconv.Atoi(fields[8])

		out = append(out, Instrument{
			Token:          uint32(token),
			TradingSymbol:  fields[2],
			Expiry:         expiry,
			Strike:         int(strike),
			LotSize:        lotSize,
			InstrumentType: fields[9],
		})
	}
	return out
}

// NearestExpiry returns the earliest expiry on or after the given date.
func (c *InstrumentCache) NearestExpiry(today time.Time) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(); err != nil {
		return time.Time{}, err
	}

	day := today.Truncate(24 * time.Hour)
	var nearest time.Time
	for _, inst := range c.instruments {
		if inst.Expiry.Before(day) {
			continue
		}
		if nearest.IsZero() || inst.Expiry.Before(nearest) {
			nearest = inst.Expiry
		}
	}
	if nearest.IsZero() {
		return time.Time{}, fmt.Errorf("no non-expired %s expiry found", c.underlying)
	}
	return nearest, nil
}

// Lookup resolves the contract for a (strike, expiry, type) combination.
func (c *InstrumentCache) Lookup(strike int, expiry time.Time, instrumentType string) (*Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.refreshLocked(); err != nil {
		return nil, err
	}

	for i := range c.instruments {
		inst := &c.instruments[i]
		if inst.Strike == strike && inst.InstrumentType == instrumentType && inst.Expiry.Equal(expiry) {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("no %s %s contract at strike %d expiring %s",
		c.underlying, instrumentType, strike, expiry.Format("2006-01-02"))
}

// ATMStrike rounds the index price to the nearest strike interval, half up.
func ATMStrike(indexPrice float64, interval int) int {
	return int(math.Floor(indexPrice/float64(interval)+0.5)) * interval
}
