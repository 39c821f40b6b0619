package app

import (
	"context"
	"errors"
	"fmt"

	"cryptoflow/internal/config"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
	"cryptoflow/internal/poller"
)

// addPollJobs registers the REST poll jobs a venue needs for its
// enabled data types. Streamed types never get a poll job.
func (in *Ingester) addPollJobs(id model.ExchangeID, cfg config.ExchangeConfig) {
	switch id {
	case model.BinanceDerivatives:
		in.addDerivativesJobs(id, cfg,
			func(ctx context.Context, symbols []string) ([]model.Record, error) {
				return in.binanceDeriv.FetchFundingRates(ctx, symbols)
			},
			in.binanceDeriv.FetchOpenInterest,
			in.binanceDeriv.FetchLSRTopPosition,
			in.binanceDeriv.FetchLSRAllAccount,
		)

	case model.OKXDerivatives:
		in.addDerivativesJobs(id, cfg,
			func(ctx context.Context, symbols []string) ([]model.Record, error) {
				return in.okxDeriv.FetchFundingRates(ctx, symbols)
			},
			in.okxDeriv.FetchOpenInterest,
			nil, // OKX has no top-position breakdown
			in.okxDeriv.FetchLSRAllAccount,
		)

	case model.DeribitDerivatives:
		// Funding and open interest ride the ticker channel; only the
		// volatility index needs a poll.
		if cfg.CollectsDataType(model.DataTypeVolatilityIndex) {
			in.scheduler.Add(poller.Job{
				Name:     fmt.Sprintf("%s.volatility_index", id),
				Interval: volatilityEvery,
				Run: in.perSymbolPoll(cfg.Symbols, func(ctx context.Context, sym string) (model.Record, error) {
					return in.deribitREST.FetchVolatilityIndex(ctx, sym)
				}),
			})
		}
	}
}

type fetchMany func(ctx context.Context, symbols []string) ([]model.Record, error)
type fetchOne func(ctx context.Context, symbol string) (model.Record, error)

func (in *Ingester) addDerivativesJobs(id model.ExchangeID, cfg config.ExchangeConfig, funding fetchMany, oi, lsrTop, lsrAll fetchOne) {
	if cfg.CollectsDataType(model.DataTypeFundingRate) && funding != nil {
		in.scheduler.Add(poller.Job{
			Name:     fmt.Sprintf("%s.funding_rate", id),
			Interval: fundingInterval,
			Run: func(ctx context.Context) error {
				records, err := funding(ctx, cfg.Symbols)
				if err != nil {
					return err
				}
				return in.publishAll(ctx, records)
			},
		})
	}
	if cfg.CollectsDataType(model.DataTypeOpenInterest) && oi != nil {
		in.scheduler.Add(poller.Job{
			Name:     fmt.Sprintf("%s.open_interest", id),
			Interval: openInterestEvery,
			Run:      in.perSymbolPoll(cfg.Symbols, oi),
		})
	}
	if cfg.CollectsDataType(model.DataTypeLSRTopPosition) && lsrTop != nil {
		in.scheduler.Add(poller.Job{
			Name:     fmt.Sprintf("%s.lsr_top_position", id),
			Interval: lsrEvery,
			Run:      in.perSymbolPoll(cfg.Symbols, lsrTop),
		})
	}
	if cfg.CollectsDataType(model.DataTypeLSRAllAccount) && lsrAll != nil {
		in.scheduler.Add(poller.Job{
			Name:     fmt.Sprintf("%s.lsr_all_account", id),
			Interval: lsrEvery,
			Run:      in.perSymbolPoll(cfg.Symbols, lsrAll),
		})
	}
}

// perSymbolPoll fans one fetch across the symbol list. A rate-limit
// error aborts the sweep so the remaining symbols wait for the next
// tick instead of hammering an empty token bucket.
func (in *Ingester) perSymbolPoll(symbols []string, fetch fetchOne) func(context.Context) error {
	return func(ctx context.Context) error {
		var firstErr error
		for _, sym := range symbols {
			record, err := fetch(ctx, sym)
			if err != nil {
				var rateErr *exchange.RateLimitError
				if errors.As(err, &rateErr) {
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := in.pollPub.Publish(ctx, record); err != nil {
				return err
			}
		}
		return firstErr
	}
}

func (in *Ingester) publishAll(ctx context.Context, records []model.Record) error {
	for _, r := range records {
		if err := in.pollPub.Publish(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
