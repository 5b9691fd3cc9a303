// Package tester validates the whole spare pool in bulk and quarantines the
// proxies that fail.
package tester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"relay-farm/pkg/database"
	"relay-farm/pkg/proxy"
)

const defaultWorkers = 5

type Store interface {
	SpareProxies(ctx context.Context) ([]string, error)
	QuarantineProxy(ctx context.Context, proxy string) error
}

type Report struct {
	Checked     int
	Good        int
	Quarantined int
}

type result struct {
	proxy string
	ok    bool
	err   error
}

// CheckSpareProxies validates every spare proxy with up to workers concurrent checks
// in flight and quarantines the ones that fail.
func CheckSpareProxies(ctx context.Context, store Store, validator database.Validator, workers int) (Report, error) {
	var report Report

	proxies, err := store.SpareProxies(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to get spare proxies: %w", err)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	jobs := make(chan string, len(proxies))
	results := make(chan result, len(proxies))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(ctx, store, validator, &wg, jobs, results)
	}

	for _, p := range proxies {
		jobs <- p
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil {
			slog.Error("Error checking proxy", "proxy", proxy.Redact(r.proxy), "error", r.err)
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		report.Checked++
		if r.ok {
			report.Good++
		} else {
			report.Quarantined++
		}
	}

	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return report, firstErr
}

func worker(ctx context.Context, store Store, validator database.Validator, wg *sync.WaitGroup, jobs <-chan string, results chan<- result) {
	defer wg.Done()
	for p := range jobs {
		if ctx.Err() != nil {
			continue
		}
		results <- checkProxy(ctx, store, validator, p)
	}
}

func checkProxy(ctx context.Context, store Store, validator database.Validator, p string) result {
	if validator.Validate(ctx, p) {
		slog.Debug("Proxy passed", "proxy", proxy.Redact(p))
		return result{proxy: p, ok: true}
	}
	if ctx.Err() != nil {
		return result{proxy: p, err: ctx.Err()}
	}

	if err := store.QuarantineProxy(ctx, p); err != nil {
		return result{proxy: p, err: err}
	}
	slog.Info("Proxy quarantined due to failed check", "proxy", proxy.Redact(p))
	return result{proxy: p}
}
