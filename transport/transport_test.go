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

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ErrNotInitialized, KindNotInitialized},
		{fmt.Errorf("send: %w", ErrSelfSend), KindSelf},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("i/o timeout"), KindTimeout},
		{errors.New("connection refused"), KindUnreachable},
		{errors.New("no such host"), KindUnreachable},
		{errors.New("401 unauthorized"), KindAuth},
		{errors.New("malformed frame"), KindProtocol},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestResultHelpers(t *testing.T) {
	ok := OK("nostr", "2/3 relays")
	require.True(t, ok.Success)
	require.Equal(t, KindNone, ok.Kind)

	fail := Fail("iroh", ErrSelfSend)
	require.False(t, fail.Success)
	require.Equal(t, KindSelf, fail.Kind)
	require.NotEmpty(t, fail.Detail)
}
