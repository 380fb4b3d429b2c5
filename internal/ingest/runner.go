package ingest

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// Config controls batch sizing and retries.
type Config struct {
	BatchLimit   int
	BatchTimeout time.Duration
	MaxAttempts  int
	// BaseBackoff is the first retry delay; later attempts double it.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Process runs one batch for domain under the batch timeout, retrying a
// failed or timed out batch from the unchanged watermark.
func (p *Pipeline) Process(ctx context.Context, domain string) (BatchResult, error) {
	var (
		res BatchResult
		err error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		batchCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
		res, err = p.RunBatch(batchCtx, domain, p.cfg.BatchLimit)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		delay := p.backoff(attempt)
		p.logger.Warn("batch failed, retrying",
			zap.String("domain", domain),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
	}
	return res, err
}

// Drain processes batches for domain until no rows remain or the watermark
// stops moving.
func (p *Pipeline) Drain(ctx context.Context, domain string) ([]BatchResult, error) {
	var results []BatchResult
	for {
		res, err := p.Process(ctx, domain)
		if err != nil {
			return results, err
		}
		if res.Read == 0 {
			return results, nil
		}
		results = append(results, res)
		if !res.Watermark.After(res.Previous) {
			return results, nil
		}
	}
}

// backoff returns a jittered delay in [d/2, d) where d doubles per attempt.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(half)))
	if err != nil {
		return half
	}
	return half + time.Duration(n.Int64())
}
