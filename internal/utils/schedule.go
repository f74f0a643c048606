package utils

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// ScheduledDates spreads howMany instants at random over the window that
// starts at start and ends at end, never later than start+maxDelay. With an
// elapsed window every instant is start.
func ScheduledDates(
	random Random, howMany int, start, end time.Time, maxDelay time.Duration,
) []time.Time {
	window := end.Sub(start)
	if window > maxDelay {
		window = maxDelay
	}

	dates := make([]time.Time, 0, howMany)
	for i := 0; i < howMany; i++ {
		if window <= 0 {
			dates = append(dates, start)
			continue
		}
		dates = append(dates, start.Add(random.Duration(window)))
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

type ScheduledTask[T any] struct {
	At  time.Time
	Run func(ctx context.Context) (T, error)
}

// RunScheduled runs every task once its time has come and waits for all of
// them. Tasks are independent: a failing task does not cancel its siblings.
// A task whose wait is interrupted by ctx is skipped and reports ctx.Err().
// The first error, if any, is returned along with all results.
func RunScheduled[T any](ctx context.Context, tasks []ScheduledTask[T]) ([]T, error) {
	results := make([]T, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			if err := SleepUntil(ctx, task.At); err != nil {
				return err
			}
			res, err := task.Run(ctx)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func SleepUntil(ctx context.Context, at time.Time) error {
	return Sleep(ctx, time.Until(at))
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
