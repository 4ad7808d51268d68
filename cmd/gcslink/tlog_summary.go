package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gcslink/internal/tlog"
	"gcslink/internal/wire"
)

type tlogSummary struct {
	Segments    int
	Frames      int
	Invalid     int
	MaxDuration time.Duration
	MsgCounts   map[wire.MsgID]int
	Systems     map[uint8]int
}

func summarizeTLog(entries []tlog.Entry) tlogSummary {
	s := tlogSummary{MsgCounts: map[wire.MsgID]int{}, Systems: map[uint8]int{}}
	if len(entries) == 0 {
		return s
	}

	origin := time.Duration(0)
	hasFrames := false
	segments := 0

	for _, e := range entries {
		if e.IsStart() {
			segments++
			origin = e.At
			continue
		}
		hasFrames = true

		s.Frames++
		at := max(e.At-origin, 0)
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		// Full decode so CRC failures and unknown ids count as invalid.
		hdr, _, err := wire.Decode(e.Frame)
		if err != nil {
			s.Invalid++
			continue
		}
		s.MsgCounts[hdr.MsgID]++
		s.Systems[hdr.SystemID]++
	}
	if segments == 0 && hasFrames {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printTLogSummary(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	entries, err := tlog.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeTLog(entries)

	fmt.Printf("path: %s\n", path)
	fmt.Printf("segments: %d\n", s.Segments)
	fmt.Printf("frames: %d\n", s.Frames)
	fmt.Printf("invalid_frames: %d\n", s.Invalid)
	fmt.Printf("max_duration: %s\n", s.MaxDuration)

	ids := make([]int, 0, len(s.MsgCounts))
	for id := range s.MsgCounts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	fmt.Printf("msg_counts:\n")
	for _, k := range ids {
		id := wire.MsgID(k)
		fmt.Printf("  %s (%d): %d\n", id, k, s.MsgCounts[id])
	}

	systems := make([]int, 0, len(s.Systems))
	for id := range s.Systems {
		systems = append(systems, int(id))
	}
	sort.Ints(systems)
	fmt.Printf("systems:\n")
	for _, k := range systems {
		fmt.Printf("  %d: %d\n", k, s.Systems[uint8(k)])
	}
	return nil
}
