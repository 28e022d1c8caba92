// Package okx is the OKX public order book adapter. OKX pushes a snapshot on
// subscribe followed by incremental updates chained by prevSeqId and carrying
// a CRC32 checksum over the top 25 levels.
package okx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cryptostream/config"
	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/watch"
	"cryptostream/logger"
	"cryptostream/models"
)

const (
	DefaultURL     = "wss://ws.okx.com:8443/ws/v5/public"
	DefaultChannel = "books"
)

// Adapter implements watch.Adapter, watch.Unsubscriber and watch.Pinger.
type Adapter struct {
	url     string
	channel string
	log     *logger.Entry
}

// New creates an adapter from the okx exchange section.
func New(cfg config.ExchangeConfig) *Adapter {
	a := &Adapter{url: cfg.WsURL, channel: cfg.Channel}
	if a.url == "" {
		a.url = DefaultURL
	}
	if a.channel == "" {
		a.channel = DefaultChannel
	}
	a.log = logger.GetLogger().WithComponent("okx_adapter").WithFields(logger.Fields{"channel": a.channel})
	return a
}

func (a *Adapter) Exchange() string { return "okx" }

func (a *Adapter) BookURL(symbol string) string { return a.url }

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (a *Adapter) BookSubscription(symbol string) (string, interface{}) {
	return a.channel + ":" + symbol, request{Op: "subscribe", Args: []arg{{Channel: a.channel, InstID: symbol}}}
}

func (a *Adapter) BookUnsubscription(symbol string) interface{} {
	return request{Op: "unsubscribe", Args: []arg{{Channel: a.channel, InstID: symbol}}}
}

// Ping returns the text ping OKX expects every 30 seconds of silence.
func (a *Adapter) Ping() []byte { return []byte("ping") }

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  *int64     `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID *int64     `json:"prevSeqId"`
}

type frame struct {
	Event  string     `json:"event"`
	Code   string     `json:"code"`
	Msg    string     `json:"msg"`
	Arg    arg        `json:"arg"`
	Action string     `json:"action"`
	Data   []bookData `json:"data"`
}

// Parse turns one OKX frame into book events.
func (a *Adapter) Parse(data []byte) ([]watch.Event, error) {
	if bytes.Equal(data, []byte("pong")) {
		return nil, nil
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("okx frame: %w", err)
	}
	switch f.Event {
	case "":
	case "error":
		err := rate.Classify("okx", f.Msg)
		if err == nil {
			err = fmt.Errorf("okx error %s: %s", f.Code, f.Msg)
		}
		ev := watch.Event{Kind: watch.EventError, Symbol: f.Arg.InstID, Err: err}
		return []watch.Event{ev}, nil
	default:
		a.log.WithFields(logger.Fields{"event": f.Event, "symbol": f.Arg.InstID}).Debug("okx event")
		return nil, nil
	}
	if f.Arg.Channel != a.channel || len(f.Data) == 0 {
		return nil, nil
	}

	events := make([]watch.Event, 0, len(f.Data))
	for _, d := range f.Data {
		bids, err := models.ParseLevels(d.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := models.ParseLevels(d.Asks)
		if err != nil {
			return nil, err
		}
		ts := parseMillis(d.Ts)
		var sum int64
		if d.Checksum != nil {
			sum = *d.Checksum
		}
		if f.Action == "snapshot" {
			events = append(events, watch.Event{Kind: watch.EventSnapshot, Snapshot: models.Snapshot{
				Exchange: "okx", Symbol: f.Arg.InstID, Bids: bids, Asks: asks,
				Nonce: d.SeqID, Timestamp: ts, Checksum: sum, HasChecksum: d.Checksum != nil,
			}})
			continue
		}
		prev := int64(-1)
		if d.PrevSeqID != nil {
			prev = *d.PrevSeqID
		}
		events = append(events, watch.Event{Kind: watch.EventDelta, Delta: models.Delta{
			Exchange: "okx", Symbol: f.Arg.InstID, Bids: bids, Asks: asks,
			Nonce: d.SeqID, PrevNonce: prev, Timestamp: ts, Checksum: sum, HasChecksum: d.Checksum != nil,
		}})
	}
	return events, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
