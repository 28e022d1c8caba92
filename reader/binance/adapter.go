// Package binance is the Binance diff-depth adapter. The websocket stream
// only carries deltas, so books are synchronised from a REST snapshot.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cryptostream/config"
	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/rest"
	"cryptostream/internal/watch"
	"cryptostream/models"
)

const (
	DefaultURL     = "wss://fstream.binance.com/ws"
	DefaultRestURL = "https://fapi.binance.com"
	DefaultChannel = "depth@100ms"
)

// Adapter implements watch.Adapter, watch.Snapshotter and watch.Unsubscriber.
type Adapter struct {
	url      string
	channel  string
	depthURL string
	client   *rest.Client
	ids      atomic.Int64
}

// New creates an adapter. client performs throttled snapshot requests and
// may be nil when snapshots are never needed.
func New(cfg config.ExchangeConfig, client *rest.Client) *Adapter {
	a := &Adapter{url: cfg.WsURL, channel: cfg.Channel, client: client}
	if a.url == "" {
		a.url = DefaultURL
	}
	if a.channel == "" {
		a.channel = DefaultChannel
	}
	a.depthURL = DepthPath(cfg.RestURL)
	return a
}

// DepthPath returns the snapshot path of the futures or spot REST API.
func DepthPath(restURL string) string {
	if restURL == "" || strings.Contains(restURL, "fapi") {
		return "/fapi/v1/depth"
	}
	return "/api/v3/depth"
}

func (a *Adapter) Exchange() string { return "binance" }

func (a *Adapter) BookURL(symbol string) string { return a.url }

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) stream(symbol string) string {
	return strings.ToLower(symbol) + "@" + a.channel
}

func (a *Adapter) BookSubscription(symbol string) (string, interface{}) {
	return "depth:" + strings.ToUpper(symbol), request{Method: "SUBSCRIBE", Params: []string{a.stream(symbol)}, ID: a.ids.Add(1)}
}

func (a *Adapter) BookUnsubscription(symbol string) interface{} {
	return request{Method: "UNSUBSCRIBE", Params: []string{a.stream(symbol)}, ID: a.ids.Add(1)}
}

type depthEvent struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevUpdateID  *int64     `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *apiError       `json:"error"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
}

// Parse turns one Binance frame, raw or combined-stream, into events.
func (a *Adapter) Parse(data []byte) ([]watch.Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("binance frame: %w", err)
	}
	switch {
	case f.Error != nil:
		return []watch.Event{a.errorEvent(f.Error.Code, f.Error.Msg)}, nil
	case f.Code != 0 && f.Msg != "":
		return []watch.Event{a.errorEvent(f.Code, f.Msg)}, nil
	case f.ID != nil:
		// subscribe acknowledgement
		return nil, nil
	}
	payload := data
	if len(f.Data) > 0 {
		payload = f.Data
	}
	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("binance depth event: %w", err)
	}
	if ev.Event != "depthUpdate" {
		return nil, nil
	}
	bids, err := models.ParseLevels(ev.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := models.ParseLevels(ev.Asks)
	if err != nil {
		return nil, err
	}
	prev := int64(-1)
	if ev.PrevUpdateID != nil {
		prev = *ev.PrevUpdateID
	}
	return []watch.Event{{Kind: watch.EventDelta, Delta: models.Delta{
		Exchange:   "binance",
		Symbol:     ev.Symbol,
		Bids:       bids,
		Asks:       asks,
		Nonce:      ev.FinalUpdateID,
		FirstNonce: ev.FirstUpdateID,
		PrevNonce:  prev,
		Timestamp:  time.UnixMilli(ev.EventTime).UTC(),
	}}}, nil
}

func (a *Adapter) errorEvent(code int, msg string) watch.Event {
	err := rate.Classify("binance", msg)
	if err == nil {
		err = fmt.Errorf("binance error %d: %s", code, msg)
	}
	return watch.Event{Kind: watch.EventError, Err: err}
}

type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// snapshotLimit picks the smallest supported limit covering depth and the
// request weight it costs.
func snapshotLimit(depth int) (int, float64) {
	for _, l := range []struct {
		limit  int
		weight float64
	}{{5, 2}, {10, 2}, {20, 2}, {50, 2}, {100, 5}, {500, 10}} {
		if depth > 0 && depth <= l.limit {
			return l.limit, l.weight
		}
	}
	return 1000, 20
}

// FetchSnapshot requests the REST depth snapshot for symbol.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (models.Snapshot, error) {
	if a.client == nil {
		return models.Snapshot{}, fmt.Errorf("binance: no rest client configured")
	}
	limit, weight := snapshotLimit(depth)
	query := url.Values{"symbol": {strings.ToUpper(symbol)}, "limit": {strconv.Itoa(limit)}}
	var resp depthSnapshot
	if err := a.client.Get(ctx, a.depthURL, query, weight, &resp); err != nil {
		return models.Snapshot{}, err
	}
	bids, err := models.ParseLevels(resp.Bids)
	if err != nil {
		return models.Snapshot{}, err
	}
	asks, err := models.ParseLevels(resp.Asks)
	if err != nil {
		return models.Snapshot{}, err
	}
	ts := time.Now().UTC()
	if resp.EventTime > 0 {
		ts = time.UnixMilli(resp.EventTime).UTC()
	}
	return models.Snapshot{
		Exchange:  "binance",
		Symbol:    strings.ToUpper(symbol),
		Bids:      bids,
		Asks:      asks,
		Nonce:     resp.LastUpdateID,
		Timestamp: ts,
	}, nil
}
