package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatUidSet renders uids in compact IMAP sequence-set notation,
// e.g. "1:3,7,9:10". The input need not be sorted; duplicates are dropped.
func FormatUidSet(uids []uint32) string {
	if len(uids) == 0 {
		return ""
	}
	sorted := SortedUids(uids)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.FormatUint(uint64(start), 10))
			return
		}
		fmt.Fprintf(&b, "%d:%d", start, prev)
	}
	for _, uid := range sorted[1:] {
		if uid == prev+1 {
			prev = uid
			continue
		}
		flush()
		start, prev = uid, uid
	}
	flush()
	return b.String()
}

// ParseUidSet parses a sequence set produced by FormatUidSet. Open-ended
// ranges ("5:*") are not accepted.
func ParseUidSet(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var uids []uint32
	for _, item := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(item, ":")
		start, err := parseUid(lo)
		if err != nil {
			return nil, err
		}
		if !isRange {
			uids = append(uids, start)
			continue
		}
		stop, err := parseUid(hi)
		if err != nil {
			return nil, err
		}
		if stop < start {
			start, stop = stop, start
		}
		for uid := start; ; uid++ {
			uids = append(uids, uid)
			if uid == stop {
				break
			}
		}
	}
	return SortedUids(uids), nil
}

// ParseUid parses a message server id into its UID.
func ParseUid(serverID string) (uint32, error) {
	return parseUid(serverID)
}

func parseUid(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing uid %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("parsing uid %q: zero is not a valid uid", s)
	}
	return uint32(n), nil
}

// FormatUid renders a UID as a message server id.
func FormatUid(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// SortedUids returns a sorted copy of uids without duplicates.
func SortedUids(uids []uint32) []uint32 {
	out := make([]uint32, len(uids))
	copy(out, uids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, uid := range out {
		if i > 0 && uid == out[n-1] {
			continue
		}
		out[n] = uid
		n++
	}
	return out[:n]
}

// SubtractUids returns the members of a that are not in b.
func SubtractUids(a, b []uint32) []uint32 {
	drop := make(map[uint32]struct{}, len(b))
	for _, uid := range b {
		drop[uid] = struct{}{}
	}
	var out []uint32
	for _, uid := range a {
		if _, ok := drop[uid]; !ok {
			out = append(out, uid)
		}
	}
	return out
}

// UnionUids merges the given sets into one sorted set.
func UnionUids(sets ...[]uint32) []uint32 {
	var all []uint32
	for _, set := range sets {
		all = append(all, set...)
	}
	return SortedUids(all)
}
