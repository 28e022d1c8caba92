package main

import (
	"fmt"
	"net/http"
	"time"

	"cryptostream/config"
	"cryptostream/internal/connection"
	"cryptostream/internal/orderbook"
	"cryptostream/internal/rest"
	"cryptostream/internal/throttle"
	"cryptostream/internal/watch"
	"cryptostream/reader/binance"
	"cryptostream/reader/okx"
)

// shardStream is the connection pool and adapter serving one exchange's
// symbols from one source IP.
type shardStream struct {
	exchange string
	ip       string
	symbols  []string
	pool     *connection.Pool
	adapter  watch.Adapter
	cost     float64
}

func newAdapter(id string, ex config.ExchangeConfig, client *rest.Client) (watch.Adapter, error) {
	switch id {
	case "binance":
		return binance.New(ex, client), nil
	case "okx":
		return okx.New(ex), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", id)
	}
}

func restBaseURL(id string, ex config.ExchangeConfig) string {
	if ex.RestURL != "" || id != "binance" {
		return ex.RestURL
	}
	return binance.DefaultRestURL
}

// buildExchange wires the engine shared by every shard of id and one pool
// per shard IP.
func buildExchange(cfg *config.Config, id string, shards map[string][]string) ([]shardStream, *orderbook.Engine, error) {
	ex := cfg.Exchanges[id]
	obCfg := cfg.OrderBookFor(id)
	engineCfg, err := orderbook.ConfigFrom(obCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", id, err)
	}
	engine := orderbook.NewEngine(id, engineCfg)
	thCfg := cfg.ThrottleFor(id)

	var streams []shardStream
	for ip, symbols := range shards {
		localIP := ip
		if localIP == "" {
			localIP = cfg.Connection.LocalIP
		}
		client := rest.New(rest.Options{
			Exchange:     id,
			BaseURL:      restBaseURL(id, ex),
			UserAgent:    ex.UserAgent,
			LocalIP:      localIP,
			Timeout:      10 * time.Second,
			MaxIdleConns: 4,
		}, throttle.New(id, cfg.RestThrottleFor(id)))
		adapter, err := newAdapter(id, ex, client)
		if err != nil {
			return nil, nil, err
		}
		router := watch.NewRouter(adapter, engine, watch.SnapshotOptionsFrom(obCfg))

		opts := connection.Options{
			Exchange:       id,
			ConnectTimeout: cfg.Connection.ConnectTimeout,
			WriteTimeout:   cfg.Connection.WriteTimeout,
			PingInterval:   cfg.Connection.PingInterval,
			PongTimeout:    cfg.Connection.PongTimeout,
			ReadLimit:      cfg.Connection.ReadLimit,
			LocalIP:        localIP,
			Handler:        router.Handle,
			OnClose:        router.Closed,
		}
		if ex.UserAgent != "" {
			opts.Header = http.Header{"User-Agent": {ex.UserAgent}}
		}
		if p, ok := adapter.(watch.Pinger); ok {
			opts.Ping = p.Ping
		}
		streams = append(streams, shardStream{
			exchange: id,
			ip:       localIP,
			symbols:  symbols,
			pool:     connection.NewPool(opts, throttle.NewFactory(id, thCfg)),
			adapter:  adapter,
			cost:     thCfg.DefaultCost,
		})
	}
	return streams, engine, nil
}
