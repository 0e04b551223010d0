// Package segments turns a finished recording into the transcription plan:
// contiguous slices of audio split at the moments photos were captured.
package segments

import (
	"fmt"
	"sort"

	"memoir/internal/services"
	"memoir/internal/store"
)

// Plan computes the segment layout for a recording of the given duration,
// cutting at each photo offset. The result always covers [0, durationMS)
// with no gaps or overlaps. Offsets at the very start, past the end, or
// duplicated collapse away rather than producing empty segments.
func Plan(durationMS int64, photoOffsetsMS []int64) ([]store.Segment, error) {
	if durationMS <= 0 {
		return nil, services.Wrap(services.ErrValidation, "segments", "plan",
			fmt.Sprintf("non-positive recording duration %dms", durationMS), nil)
	}

	cuts := make([]int64, 0, len(photoOffsetsMS))
	for _, offset := range photoOffsetsMS {
		if offset <= 0 || offset >= durationMS {
			continue
		}
		cuts = append(cuts, offset)
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i] < cuts[j] })

	plan := make([]store.Segment, 0, len(cuts)+1)
	start := int64(0)
	for _, cut := range cuts {
		if cut == start {
			continue
		}
		plan = append(plan, store.Segment{
			SegmentID: segmentID(len(plan)),
			StartMS:   start,
			EndMS:     cut,
			Status:    store.SegmentPending,
		})
		start = cut
	}
	plan = append(plan, store.Segment{
		SegmentID: segmentID(len(plan)),
		StartMS:   start,
		EndMS:     durationMS,
		Status:    store.SegmentPending,
	})
	return plan, nil
}

func segmentID(index int) string {
	return fmt.Sprintf("seg_%04d", index)
}
