package parallel_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/courtyard-app/courtyard/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d / time.Second), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{10 * time.Second, 1 * time.Second, 5 * time.Second, 2 * time.Second}

	type given struct {
		limit   int
		timeout time.Duration
	}
	type then struct {
		result  []int
		err     error
		elapsed time.Duration
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, 0}, then{[]int{10, 1, 5, 2}, nil, 18 * time.Second}},
		{"limit 0 acts as 1", given{0, 0}, then{[]int{10, 1, 5, 2}, nil, 18 * time.Second}},
		{"limit 2", given{2, 0}, then{[]int{10, 1, 5, 2}, nil, 10 * time.Second}},
		{"limit 10", given{10, 0}, then{[]int{10, 1, 5, 2}, nil, 10 * time.Second}},
		{"limit 10, cancel 3s", given{10, 3 * time.Second}, then{nil, context.DeadlineExceeded, 3 * time.Second}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				if tt.given.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, tt.given.timeout)
					defer cancel()
				}
				start := time.Now()
				got, err := parallel.Map(ctx, tt.given.limit, input, f)
				if tt.then.err != nil {
					require.ErrorIs(t, err, tt.then.err)
				} else {
					require.NoError(t, err)
				}
				require.Equal(t, tt.then.result, got)
				require.Equal(t, tt.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	got, err := parallel.Map(t.Context(), 2, []int{1, 2, 3}, func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i * 2, nil
	})
	require.ErrorIs(t, err, boom)
	require.Nil(t, got)

	got, err = parallel.Map(t.Context(), 2, []int(nil), func(_ context.Context, i int) (int, error) { return i, nil })
	require.NoError(t, err)
	require.Empty(t, got)
}
