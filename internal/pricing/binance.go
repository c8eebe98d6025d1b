package pricing

import (
	"context"
	"sort"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/rxtech-lab/argo-ledger/internal/logger"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ListPricesService interface for listing symbol prices.
type ListPricesService interface {
	Symbols(symbols []string) ListPricesService
	Do(ctx context.Context) ([]*binance.SymbolPrice, error)
}

// BinanceClient interface abstracts the Binance client for testing.
type BinanceClient interface {
	NewListPricesService() ListPricesService
}

// realBinanceClient wraps the actual binance.Client.
type realBinanceClient struct {
	client *binance.Client
}

func (r *realBinanceClient) NewListPricesService() ListPricesService {
	return &realListPricesService{service: r.client.NewListPricesService()}
}

type realListPricesService struct {
	service *binance.ListPricesService
}

func (s *realListPricesService) Symbols(symbols []string) ListPricesService {
	s.service = s.service.Symbols(symbols)

	return s
}

func (s *realListPricesService) Do(ctx context.Context) ([]*binance.SymbolPrice, error) {
	return s.service.Do(ctx)
}

type BinanceConfig struct {
	// BaseURL overrides the API endpoint. Takes precedence over UseTestnet.
	BaseURL    string
	UseTestnet bool
	// Symbols maps instruments to Binance symbols. Unmapped instruments use SymbolFor.
	Symbols map[string]string
}

// BinanceSource quotes last prices from the Binance spot ticker. Only public endpoints are used,
// so no API key is needed.
type BinanceSource struct {
	client  BinanceClient
	symbols map[string]string
	logger  *logger.Logger
}

func NewBinanceSource(config BinanceConfig, log *logger.Logger) *BinanceSource {
	if config.UseTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient("", "")

	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return newBinanceSourceWithClient(&realBinanceClient{client: client}, config.Symbols, log)
}

// newBinanceSourceWithClient creates a source on a custom client.
// This is used for testing with mock clients.
func newBinanceSourceWithClient(client BinanceClient, symbols map[string]string, log *logger.Logger) *BinanceSource {
	mapped := make(map[string]string, len(symbols))
	for instrument, symbol := range symbols {
		mapped[instrument] = symbol
	}

	return &BinanceSource{client: client, symbols: mapped, logger: log}
}

// SymbolFor derives the Binance symbol of an instrument, e.g. "btc/usdt" becomes "BTCUSDT".
func SymbolFor(instrument string) string {
	symbol := strings.NewReplacer("/", "", "-", "", "_", "").Replace(instrument)

	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (b *BinanceSource) symbolOf(instrument string) string {
	if symbol, ok := b.symbols[instrument]; ok {
		return symbol
	}

	return SymbolFor(instrument)
}

// Prices queries all symbols in one request. Binance rejects the whole request when one symbol
// is unknown, so on failure each symbol is retried alone and the ones that answer are kept.
func (b *BinanceSource) Prices(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	bySymbol := map[string][]string{}

	for _, instrument := range instruments {
		symbol := b.symbolOf(instrument)
		bySymbol[symbol] = append(bySymbol[symbol], instrument)
	}

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	quotes, err := b.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil && len(symbols) > 1 && ctx.Err() == nil {
		b.logger.Debug("Batch price request failed, retrying per symbol", zap.Error(err))

		quotes, err = b.perSymbol(ctx, symbols)
	}

	prices := map[string]decimal.Decimal{}

	for _, quote := range quotes {
		if quote == nil {
			continue
		}

		price, parseErr := decimal.NewFromString(quote.Price)
		if parseErr != nil {
			b.logger.Warn("Unparsable price from Binance", zap.String("symbol", quote.Symbol), zap.String("price", quote.Price))

			continue
		}

		for _, instrument := range bySymbol[quote.Symbol] {
			prices[instrument] = price
		}
	}

	if err != nil {
		return prices, errors.Wrap(errors.ErrCodePriceFeedFailed, "failed to list prices from Binance", err)
	}

	return prices, nil
}

func (b *BinanceSource) perSymbol(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error) {
	var (
		quotes  []*binance.SymbolPrice
		lastErr error
	)

	for _, symbol := range symbols {
		quote, err := b.client.NewListPricesService().Symbols([]string{symbol}).Do(ctx)
		if err != nil {
			b.logger.Warn("No Binance price for symbol", zap.String("symbol", symbol), zap.Error(err))
			lastErr = err

			continue
		}

		quotes = append(quotes, quote...)
	}

	if len(quotes) == 0 {
		return nil, lastErr
	}

	return quotes, nil
}
