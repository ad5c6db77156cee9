package harvester

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/listing-harvester/pkg/listings"
)

// maxSpanDays is the span length above which SplitJob warns the operator.
// Longer spans still split; they just produce a lot of tasks.
const maxSpanDays = 365

// SplitJob enumerates the atomic tasks for a job: one task per
// seller x keyword x date sub-range. Sub-ranges are contiguous,
// non-overlapping and together cover exactly [DateStart, DateEnd].
// Calling it twice yields structurally identical ranges; only the
// generated task IDs differ.
func SplitJob(job *listings.Job) ([]*listings.Task, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	ranges := splitRanges(job.DateStart, job.DateEnd, job.SplitUnit)

	if spanDays(job.DateStart, job.DateEnd) > maxSpanDays {
		slog.Warn("job date span exceeds a year, expect a large task count",
			"job_id", job.ID,
			"date_start", job.DateStart.Format("2006-01-02"),
			"date_end", job.DateEnd.Format("2006-01-02"),
			"ranges", len(ranges))
	}

	keywords := job.Keywords
	if len(keywords) == 0 {
		// Single placeholder so the product below still emits tasks.
		keywords = []string{""}
	}

	now := time.Now()
	var out []*listings.Task
	for _, seller := range job.Sellers {
		for _, keyword := range keywords {
			for _, r := range ranges {
				out = append(out, &listings.Task{
					ID:           uuid.NewString(),
					JobID:        job.ID,
					Seller:       seller,
					Keyword:      keyword,
					StatusFilter: job.StatusFilter,
					TypeFilter:   job.TypeFilter,
					DateStart:    r.start,
					DateEnd:      r.end,
					Status:       listings.StatusPending,
					CurrentPage:  1,
					TotalPages:   1,
					CreatedAt:    now,
				})
			}
		}
	}

	return out, nil
}

// EstimateTaskCount returns the number of tasks SplitJob would emit,
// without generating them. Pure arithmetic.
func EstimateTaskCount(job *listings.Job) (int, error) {
	if err := validateJob(job); err != nil {
		return 0, err
	}

	keywords := len(job.Keywords)
	if keywords == 0 {
		keywords = 1
	}

	days := spanDays(job.DateStart, job.DateEnd)
	unit := job.SplitUnit.Days()
	ranges := (days + unit - 1) / unit

	return len(job.Sellers) * keywords * ranges, nil
}

// EstimateCompletionSeconds is a linear forecast of run duration for
// operator display: per-task it assumes avgPagesPerTask page fetches
// separated by the inter-page delay, then the inter-task delay.
func EstimateCompletionSeconds(taskCount int, avgPagesPerTask float64, interTaskDelay, interPageDelay time.Duration) float64 {
	if taskCount <= 0 {
		return 0
	}
	perTask := avgPagesPerTask*interPageDelay.Seconds() + interTaskDelay.Seconds()
	return float64(taskCount) * perTask
}

func validateJob(job *listings.Job) error {
	if len(job.Sellers) == 0 {
		return &ValidationError{Kind: KindMissingTarget, Message: "job has no target sellers"}
	}
	if job.SplitUnit != listings.SplitByDay && job.SplitUnit != listings.SplitByWeek {
		return &ValidationError{
			Kind:    KindInvalidGranularity,
			Message: fmt.Sprintf("split unit must be %q or %q, got %q", listings.SplitByDay, listings.SplitByWeek, job.SplitUnit),
		}
	}
	if startOfDay(job.DateStart).After(startOfDay(job.DateEnd)) {
		return &ValidationError{
			Kind: KindInvalidRange,
			Message: fmt.Sprintf("date start %s is after date end %s",
				job.DateStart.Format("2006-01-02"), job.DateEnd.Format("2006-01-02")),
		}
	}
	return nil
}

type dateRange struct {
	start time.Time // start of civil day
	end   time.Time // end of civil day, inclusive
}

// splitRanges divides [start, end] into contiguous sub-ranges of unit
// length, the final one truncated at end. Boundaries are normalized to
// start-of-day / end-of-day of the civil date so a job created at 14:00
// still covers full days.
func splitRanges(start, end time.Time, unit listings.SplitUnit) []dateRange {
	step := unit.Days()
	cur := startOfDay(start)
	last := startOfDay(end)

	var ranges []dateRange
	for !cur.After(last) {
		rangeEnd := cur.AddDate(0, 0, step-1)
		if rangeEnd.After(last) {
			rangeEnd = last
		}
		ranges = append(ranges, dateRange{
			start: cur,
			end:   endOfDay(rangeEnd),
		})
		cur = cur.AddDate(0, 0, step)
	}
	return ranges
}

// spanDays counts inclusive civil days between start and end.
func spanDays(start, end time.Time) int {
	s := startOfDay(start)
	e := startOfDay(end)
	days := 0
	for !s.After(e) {
		days++
		s = s.AddDate(0, 0, 1)
	}
	return days
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
