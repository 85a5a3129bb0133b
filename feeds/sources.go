package feeds

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

// PythSource reads the latest aggregate from a Hermes endpoint.
type PythSource struct{ *httpSource }

func NewPyth(opts Options) *PythSource {
	return &PythSource{newHTTPSource(Pyth, "https://hermes.pyth.network", opts)}
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (p *PythSource) Fetch(ctx context.Context, asset models.AssetRef) (models.PriceSample, error) {
	id, err := p.assetID(asset)
	if err != nil {
		return models.PriceSample{}, err
	}
	var res hermesResponse
	q := url.Values{"ids[]": {id}, "parsed": {"true"}}
	if err := p.getJSON(ctx, "/v2/updates/price/latest", q, &res); err != nil {
		return models.PriceSample{}, err
	}
	want := strings.TrimPrefix(strings.ToLower(id), "0x")
	for _, u := range res.Parsed {
		if strings.TrimPrefix(strings.ToLower(u.ID), "0x") != want {
			continue
		}
		mantissa, err := decimal.NewFromString(u.Price.Price)
		if err != nil {
			return models.PriceSample{}, malformed(Pyth, "price %q", u.Price.Price)
		}
		return models.PriceSample{
			Source:     Pyth,
			Price:      mantissa.Shift(u.Price.Expo),
			ObservedAt: time.Unix(u.Price.PublishTime, 0).UTC(),
		}, nil
	}
	return models.PriceSample{}, malformed(Pyth, "feed %s missing", id)
}

// BinanceSource reads the spot ticker.
type BinanceSource struct{ *httpSource }

func NewBinance(opts Options) *BinanceSource {
	return &BinanceSource{newHTTPSource(Binance, "https://api.binance.com", opts)}
}

func (b *BinanceSource) Fetch(ctx context.Context, asset models.AssetRef) (models.PriceSample, error) {
	symbol, err := b.assetID(asset)
	if err != nil {
		return models.PriceSample{}, err
	}
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.getJSON(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}}, &res); err != nil {
		return models.PriceSample{}, err
	}
	price, err := decimal.NewFromString(res.Price)
	if err != nil {
		return models.PriceSample{}, malformed(Binance, "price %q", res.Price)
	}
	return models.PriceSample{Source: Binance, Price: price, ObservedAt: b.now().UTC()}, nil
}

// CoinGeckoSource reads the simple price endpoint in USD.
type CoinGeckoSource struct{ *httpSource }

func NewCoinGecko(opts Options) *CoinGeckoSource {
	return &CoinGeckoSource{newHTTPSource(CoinGecko, "https://api.coingecko.com", opts)}
}

func (c *CoinGeckoSource) Fetch(ctx context.Context, asset models.AssetRef) (models.PriceSample, error) {
	id, err := c.assetID(asset)
	if err != nil {
		return models.PriceSample{}, err
	}
	var res map[string]struct {
		USD           json.Number `json:"usd"`
		LastUpdatedAt int64       `json:"last_updated_at"`
	}
	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}, "include_last_updated_at": {"true"}}
	if err := c.getJSON(ctx, "/api/v3/simple/price", q, &res); err != nil {
		return models.PriceSample{}, err
	}
	entry, ok := res[id]
	if !ok {
		return models.PriceSample{}, malformed(CoinGecko, "asset %s missing", id)
	}
	price, err := decimal.NewFromString(entry.USD.String())
	if err != nil {
		return models.PriceSample{}, malformed(CoinGecko, "price %q", entry.USD)
	}
	observed := c.now().UTC()
	if entry.LastUpdatedAt > 0 {
		observed = time.Unix(entry.LastUpdatedAt, 0).UTC()
	}
	return models.PriceSample{Source: CoinGecko, Price: price, ObservedAt: observed}, nil
}

// JupiterSource reads the aggregated on-chain price by mint.
type JupiterSource struct{ *httpSource }

func NewJupiter(opts Options) *JupiterSource {
	return &JupiterSource{newHTTPSource(Jupiter, "https://api.jup.ag", opts)}
}

func (j *JupiterSource) Fetch(ctx context.Context, asset models.AssetRef) (models.PriceSample, error) {
	mint, err := j.assetID(asset)
	if err != nil {
		return models.PriceSample{}, err
	}
	var res struct {
		Data map[string]*struct {
			ID    string `json:"id"`
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := j.getJSON(ctx, "/price/v2", url.Values{"ids": {mint}}, &res); err != nil {
		return models.PriceSample{}, err
	}
	entry := res.Data[mint]
	if entry == nil {
		return models.PriceSample{}, malformed(Jupiter, "mint %s missing", mint)
	}
	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return models.PriceSample{}, malformed(Jupiter, "price %q", entry.Price)
	}
	return models.PriceSample{Source: Jupiter, Price: price, ObservedAt: j.now().UTC()}, nil
}
