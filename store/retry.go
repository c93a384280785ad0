// Copyright 2025 The go-broadcast Authors
// This file is part of the go-broadcast library.
//
// The go-broadcast library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-broadcast library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-broadcast library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-sqlite3"

	"github.com/broadcast-dm/go-broadcast/metrics"
)

// ErrBusyExhausted is returned when a mutation kept hitting a busy database
// through the whole retry budget. Evidence loss is a correctness problem, so
// this propagates instead of being swallowed.
var ErrBusyExhausted = errors.New("evidence store busy, retries exhausted")

const (
	retryAttempts = 5
	retryBaseWait = 100 * time.Millisecond
)

var noCtx = context.Background()

// withRetry runs fn, retrying on SQLITE_BUSY/SQLITE_LOCKED with exponential
// backoff: 5 attempts, 100 ms base delay, doubling, jittered. Any other error
// aborts immediately and propagates untouched.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseWait
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5 // up to 50ms of jitter on the base delay
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		metrics.StoreRetries.Inc()
		log.Debug("Evidence store busy, retrying", "attempt", attempt, "err", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retryAttempts-1), ctx))

	if err != nil && isBusy(err) {
		return errors.Join(ErrBusyExhausted, err)
	}
	return err
}

// isBusy reports whether err is SQLite's transient contention signal.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
