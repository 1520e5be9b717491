package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
)

// StreamEventRow is the flat archive record: one row per inbound event,
// market data and lease control alike. Charge amounts stay strings; the
// column is Decimal(38,0) and a float64 hop would corrupt them.
type StreamEventRow struct {
	EventTime     time.Time
	Stream        string
	Kind          string // price|swap|alert|pool_created|pool_reserves|status|lease
	Slot          uint64
	Signature     string
	Pair          string
	Pool          string
	Dex           string
	BaseMint      string
	QuoteMint     string
	Side          string
	Price         float64
	BaseAmount    float64
	NotionalUSD   float64
	Rule          string
	Detail        string
	Amount        string // Decimal(38,0), sent as string
	Asset         string
	SchemaVersion uint16
}

const rowSchemaVersion = 1

// RowFromEvent flattens one event into its archive row. Session errors and
// other purely local notifications report ok=false and are not archived.
func RowFromEvent(ev domain.Event) (StreamEventRow, bool) {
	switch e := ev.(type) {
	case domain.TickerEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "price",
			Slot: e.Slot, Pair: e.Pair, Price: e.Price,
			SchemaVersion: rowSchemaVersion,
		}, true
	case domain.SwapEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "swap",
			Slot: e.Slot, Signature: e.Signature, Pool: e.Pool,
			BaseMint: e.BaseMint, QuoteMint: e.QuoteMint, Side: string(e.Side),
			Price: e.Price, BaseAmount: e.BaseAmount, NotionalUSD: e.NotionalUSD,
			SchemaVersion: rowSchemaVersion,
		}, true
	case domain.AlertEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "alert",
			Slot: e.Slot, Pool: e.Pool, Rule: e.Rule, Detail: e.Message,
			NotionalUSD: e.NotionalUSD, SchemaVersion: rowSchemaVersion,
		}, true
	case domain.PoolCreatedEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "pool_created",
			Slot: e.Slot, Pool: e.Pool, Dex: e.Dex,
			BaseMint: e.BaseMint, QuoteMint: e.QuoteMint,
			SchemaVersion: rowSchemaVersion,
		}, true
	case domain.PoolReservesEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "pool_reserves",
			Slot: e.Slot, Pool: e.Pool,
			BaseAmount: e.BaseReserve, NotionalUSD: e.QuoteReserve,
			SchemaVersion: rowSchemaVersion,
		}, true
	case domain.StatusEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "status",
			Slot: e.Slot, Rule: e.State, Detail: e.Detail,
			SchemaVersion: rowSchemaVersion,
		}, true
	case domain.LeaseEvent:
		return StreamEventRow{
			EventTime: e.At, Stream: string(e.Stream), Kind: "lease",
			Rule: string(e.Op), Detail: e.Detail,
			Amount: e.Amount, Asset: e.Asset,
			SchemaVersion: rowSchemaVersion,
		}, true
	}
	return StreamEventRow{}, false
}

type Writer struct {
	log logger.Logger

	conn ch.Conn
	cfg  config.ClickHouseConfig

	inCh      chan StreamEventRow
	closedCh  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWriter(log logger.Logger, cfg config.ClickHouseConfig, conn ch.Conn) *Writer {
	// sane defaults
	if cfg.Writer.BatchMaxRows <= 0 {
		cfg.Writer.BatchMaxRows = 1000
	}
	if cfg.Writer.BatchMaxInterval <= 0 {
		cfg.Writer.BatchMaxInterval = 200 * time.Millisecond
	}
	if cfg.Writer.MaxRetries < 0 {
		cfg.Writer.MaxRetries = 0
	}
	if cfg.Writer.RetryBackoff <= 0 {
		cfg.Writer.RetryBackoff = 200 * time.Millisecond
	}

	w := &Writer{
		log:      log,
		conn:     conn,
		cfg:      cfg,
		inCh:     make(chan StreamEventRow, 8192), // ring buffer = expected EPS peak * time_to_level off
		closedCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w
}

func (w *Writer) Enqueue(row StreamEventRow) error {
	select {
	case <-w.closedCh:
		return errors.New("clickhouse writer closed")
	default:
	}

	select {
	case w.inCh <- row:
		return nil
	case <-w.closedCh:
		return errors.New("clickhouse writer closed")
	}
}

func (w *Writer) Health(ctx context.Context) error {
	if w.conn == nil {
		return errors.New("clickhouse connection is not configured")
	}
	return w.conn.Ping(ctx)
}

func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.closedCh)
		close(w.inCh)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	batch := make([]StreamEventRow, 0, w.cfg.Writer.BatchMaxRows)
	ticker := time.NewTicker(w.cfg.Writer.BatchMaxInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := w.insertBatch(context.Background(), batch); err != nil {
			w.log.Errorf("Failed insert [%d] rows by batch to clickhouse, error=%v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-w.inCh:
			if !ok {
				flush()
				return
			}

			batch = append(batch, row)
			if len(batch) >= w.cfg.Writer.BatchMaxRows {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) insertBatch(ctx context.Context, rows []StreamEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if w.conn == nil {
		return errors.New("clickhouse connection is not configured")
	}

	// repeat with exponential delay
	backoff := w.cfg.Writer.RetryBackoff

	var lastErr error

	for attempt := 0; attempt <= w.cfg.Writer.MaxRetries; attempt++ {
		batch, err := w.conn.PrepareBatch(ctx, `
			INSERT INTO raw_stream_events (
				event_time,
				stream,
				kind,
				slot,
				signature,
				pair,
				pool,
				dex,
				base_mint,
				quote_mint,
				side,
				price,
				base_amount,
				notional_usd,
				rule,
				detail,
				amount,
				asset,
				schema_version
			)
		`)
		if err != nil {
			lastErr = err
			goto retry
		}

		for i := range rows {
			r := &rows[i]
			if err = batch.Append(
				r.EventTime,
				r.Stream,
				r.Kind,
				r.Slot,
				r.Signature,
				r.Pair,
				r.Pool,
				r.Dex,
				r.BaseMint,
				r.QuoteMint,
				r.Side,
				r.Price,
				r.BaseAmount,
				r.NotionalUSD,
				r.Rule,
				r.Detail,
				r.Amount,
				r.Asset,
				r.SchemaVersion,
			); err != nil {
				lastErr = err
				_ = batch.Abort()
				goto retry
			}
		}

		if err = batch.Send(); err != nil {
			lastErr = err
			goto retry
		}
		// success
		return nil

	retry:
		if attempt == w.cfg.Writer.MaxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	return fmt.Errorf("batch insert of %d rows: %w", len(rows), lastErr)
}
