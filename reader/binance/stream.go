package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"depthflow/config"
	"depthflow/internal/book"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
)

const (
	depthSuffix       = "@depth"
	aggTradeSuffix    = "@aggTrade"
	forceOrderSuffix  = "@forceOrder"
	pongWriteDeadline = 5 * time.Second
	snapshotRetryWait = time.Second
)

// subscribeRequest is the frame sent once after the connection opens.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// StreamReader runs one websocket connection per symbol carrying the depth,
// aggTrade and forceOrder streams. Depth diffs drive the symbol's
// synchronizer; every decoded event is published to the router, and a full
// downstream channel suspends the reader so backpressure reaches the
// transport instead of dropping data.
type StreamReader struct {
	config  *config.Config
	router  *channel.Router
	fetcher *SnapshotFetcher
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewStreamReader(cfg *config.Config, router *channel.Router, fetcher *SnapshotFetcher) *StreamReader {
	return &StreamReader{
		config:  cfg,
		router:  router,
		fetcher: fetcher,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start opens one stream per configured symbol.
func (r *StreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_stream").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbols": r.config.Source.Binance.Symbols}).Info("starting stream reader")

	for _, symbol := range r.config.Source.Binance.Symbols {
		r.wg.Add(1)
		go r.streamSymbol(symbol)
	}

	log.Info("stream reader started successfully")
	return nil
}

// Stop waits for all symbol streams to finish.
func (r *StreamReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_stream").Info("stopping stream reader")
	r.wg.Wait()
	r.log.WithComponent("binance_stream").Info("stream reader stopped")
}

// depthState tracks the book synchronization lifecycle for one symbol.
type depthState struct {
	sync    *book.Synchronizer
	snapCh  chan *models.DepthSnapshot
	resyncs int
	dead    bool
}

func (r *StreamReader) streamSymbol(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_stream").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "symbol_stream",
	})

	dialer := websocket.Dialer{HandshakeTimeout: r.config.Source.Binance.HandshakeTimeout}
	conn, _, err := dialer.DialContext(r.ctx, r.config.Source.Binance.WsURL, nil)
	if err != nil {
		log.WithError(err).Error("failed to dial stream endpoint")
		return
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWriteDeadline))
	})

	lower := strings.ToLower(symbol)
	sub := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{lower + depthSuffix, lower + aggTradeSuffix, lower + forceOrderSuffix},
		ID:     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		log.WithError(err).Error("failed to send subscribe request")
		return
	}
	log.WithFields(logger.Fields{"params": sub.Params}).Info("subscribed to streams")

	state := &depthState{
		sync:   book.NewSynchronizer(symbol),
		snapCh: make(chan *models.DepthSnapshot, 1),
	}
	r.requestSnapshot(symbol, state, log)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("stream closed")
			return
		}

		var env models.StreamMessage
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("failed to unmarshal stream envelope")
			continue
		}
		if env.Stream == "" {
			// subscription ack or control payload
			continue
		}

		switch {
		case strings.HasSuffix(env.Stream, depthSuffix):
			r.handleDepth(state, env.Data, log)
		case strings.HasSuffix(env.Stream, aggTradeSuffix):
			r.handleTrade(env.Data, log)
		case strings.HasSuffix(env.Stream, forceOrderSuffix):
			r.handleLiquidation(env.Data, log)
		default:
			log.WithFields(logger.Fields{"stream": env.Stream}).Debug("ignoring unknown stream")
		}

		if r.ctx.Err() != nil {
			return
		}
	}
}

// requestSnapshot fetches asynchronously so diffs keep streaming (and get
// buffered) while the REST call is in flight.
func (r *StreamReader) requestSnapshot(symbol string, state *depthState, log *logger.Entry) {
	go func() {
		for {
			snapshot, err := r.fetcher.Fetch(r.ctx, symbol)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("snapshot fetch failed, retrying")
				time.Sleep(snapshotRetryWait)
				continue
			}
			select {
			case state.snapCh <- snapshot:
			case <-r.ctx.Done():
			}
			return
		}
	}()
}

func (r *StreamReader) handleDepth(state *depthState, data []byte, log *logger.Entry) {
	if state.dead {
		return
	}

	var resp models.BinanceDepthResp
	if err := json.Unmarshal(data, &resp); err != nil {
		log.WithError(err).Warn("failed to unmarshal depth event")
		return
	}
	diff := resp.Diff(time.Now())

	// A pending snapshot is consumed before the new diff so catch-up
	// replays the buffer in arrival order.
	select {
	case snapshot := <-state.snapCh:
		r.seedAndCatchup(state, snapshot, log)
	default:
	}

	if state.dead {
		return
	}

	if !state.sync.Seeded() {
		state.sync.Buffer(diff)
		return
	}

	view, err := state.sync.Apply(diff)
	switch {
	case err == nil:
		state.resyncs = 0
		r.publishBook(view, log)
	case errors.Is(err, book.ErrStale):
		// replayed diff, nothing to do
	case errors.Is(err, book.ErrGap):
		log.WithError(err).Warn("depth gap detected, resyncing from snapshot")
		state.sync.Buffer(diff)
		r.resync(diff.Symbol, state, log)
	default:
		log.WithError(err).Error("failed to apply depth diff")
	}
}

func (r *StreamReader) seedAndCatchup(state *depthState, snapshot *models.DepthSnapshot, log *logger.Entry) {
	state.sync.Seed(snapshot)
	views, err := state.sync.Catchup()
	for _, view := range views {
		r.publishBook(view, log)
	}
	if err != nil {
		if errors.Is(err, book.ErrGap) {
			log.WithError(err).Warn("gap during catch-up, resyncing from snapshot")
			r.resync(snapshot.Symbol, state, log)
			return
		}
		log.WithError(err).Error("catch-up failed")
		return
	}
	state.resyncs = 0
	log.WithFields(logger.Fields{
		"last_update_id": snapshot.LastUpdateID,
		"applied":        len(views),
	}).Info("book seeded and caught up")
}

// resync re-fetches a snapshot after a gap, bounded by the configured retry
// ceiling. Exhausting the ceiling terminates this symbol's depth pipeline;
// trades and liquidations keep flowing.
func (r *StreamReader) resync(symbol string, state *depthState, log *logger.Entry) {
	state.resyncs++
	if state.resyncs > r.config.Sync.MaxResyncs {
		state.dead = true
		log.WithFields(logger.Fields{"resyncs": state.resyncs}).Error(
			"resync ceiling exhausted, terminating depth pipeline for symbol")
		return
	}
	r.requestSnapshot(symbol, state, log)
}

func (r *StreamReader) publishBook(view *models.OrderBook, log *logger.Entry) {
	if err := r.router.Publish(r.ctx, models.NewBookEvent(view)); err != nil {
		return
	}
	if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		log.WithFields(logger.Fields{
			"last_update_id": view.LastUpdateID,
			"bid_buckets":    len(models.GroupLevels(view.Bids)),
			"ask_buckets":    len(models.GroupLevels(view.Asks)),
		}).Trace("book updated")
	}
}

func (r *StreamReader) handleTrade(data []byte, log *logger.Entry) {
	var resp models.BinanceAggTradeResp
	if err := json.Unmarshal(data, &resp); err != nil {
		log.WithError(err).Warn("failed to unmarshal trade event")
		return
	}
	trade, err := resp.Trade()
	if err != nil {
		log.WithError(err).Warn("failed to decode trade event")
		return
	}
	_ = r.router.Publish(r.ctx, models.NewTradeEvent(trade))
}

func (r *StreamReader) handleLiquidation(data []byte, log *logger.Entry) {
	var resp models.BinanceForceOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		log.WithError(err).Warn("failed to unmarshal liquidation event")
		return
	}
	liq, err := resp.Liquidation()
	if err != nil {
		log.WithError(err).Warn("failed to decode liquidation event")
		return
	}
	_ = r.router.Publish(r.ctx, models.NewLiquidationEvent(liq))
}
