package scanner

// concurrent.go: worker pool para consultar observaciones de todos los venues y símbolos.
//
// Un símbolo lento o con error solo ocupa su propio worker, así un feed malo
// no frena el tick entero.

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// fetchResult is one (venue, symbol) observation or the error that replaced it.
type fetchResult struct {
	venue  *Venue
	symbol string
	obs    domain.PriceObservation
	err    error
}

// fetchObservationsConcurrent consulta todos los símbolos de cada venue en paralelo.
// Los resultados llegan sin orden; quien los necesite ordenados los ordena.
//
// Si workers <= 0 usa runtime.NumCPU() × 2.
func fetchObservationsConcurrent(
	ctx context.Context,
	venues []*Venue,
	symbols []string,
	workers int,
	timeout time.Duration,
) []fetchResult {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	type work struct {
		venue  *Venue
		symbol string
	}

	total := len(venues) * len(symbols)
	workCh := make(chan work, total)
	resultCh := make(chan fetchResult, total)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				obs, err := w.venue.Feed.GetObservation(callCtx, w.symbol)
				cancel()
				if err != nil {
					slog.Debug("scanner: fetch failed",
						"exchange", w.venue.Name,
						"symbol", w.symbol,
						"err", err,
					)
				}
				resultCh <- fetchResult{venue: w.venue, symbol: w.symbol, obs: obs, err: err}
			}
		}()
	}

	for _, v := range venues {
		for _, sym := range symbols {
			workCh <- work{venue: v, symbol: sym}
		}
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]fetchResult, 0, total)
	for r := range resultCh {
		results = append(results, r)
	}

	slog.Debug("scanner: concurrent fetch complete",
		"queued", total,
		"results", len(results),
		"workers", workers,
	)
	return results
}
