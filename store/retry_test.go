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
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestRetryBusyThenSuccess(t *testing.T) {
	s := newTestStore(t)

	attempts := 0
	err := s.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			// One bare busy, one wrapped locked: both must be retried.
			if attempts == 1 {
				return sqlite3.Error{Code: sqlite3.ErrBusy}
			}
			return fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrLocked})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryNonBusyPropagatesImmediately(t *testing.T) {
	s := newTestStore(t)

	boom := errors.New("constraint failed")
	attempts := 0
	err := s.withRetry(context.Background(), func() error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrBusyExhausted)
	require.Equal(t, 1, attempts, "non-busy errors get no second attempt")
}

func TestRetryBusyExhausted(t *testing.T) {
	s := newTestStore(t)

	attempts := 0
	err := s.withRetry(context.Background(), func() error {
		attempts++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.ErrorIs(t, err, ErrBusyExhausted)
	require.Equal(t, retryAttempts, attempts)

	var serr sqlite3.Error
	require.ErrorAs(t, err, &serr, "the underlying busy error stays inspectable")
}

func TestRetryHonorsContext(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := s.withRetry(ctx, func() error {
		attempts++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts, "a dead context stops the backoff loop")
}

// TestWriteWaitsOutConcurrentLock holds the write lock from a second
// connection on the same file and checks that a store mutation issued
// meanwhile still lands once the lock is released.
func TestWriteWaitsOutConcurrentLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	msg := testMessage(t, "written under contention")

	locker, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL")
	require.NoError(t, err)
	defer locker.Close()
	_, err = locker.Exec("BEGIN IMMEDIATE")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		locker.Exec("COMMIT")
		close(released)
	}()

	require.NoError(t, s.SaveMessage(ctx, msg, ""))
	<-released

	has, err := s.HasMessage(ctx, msg.UUID)
	require.NoError(t, err)
	require.True(t, has)
}
