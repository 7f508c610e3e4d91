package candles

import "sort"

// flushedStarts remembers the newest bucket starts already written for one
// series. Once more than limit starts have been seen, anything older than
// the oldest remembered start is treated as written too.
type flushedStarts struct {
	starts []int64 // ascending
	capped bool
}

func (f *flushedStarts) add(start int64, limit int) {
	i := sort.Search(len(f.starts), func(i int) bool { return f.starts[i] >= start })
	if i < len(f.starts) && f.starts[i] == start {
		return
	}
	f.starts = append(f.starts, 0)
	copy(f.starts[i+1:], f.starts[i:])
	f.starts[i] = start
	if len(f.starts) > limit {
		f.starts = append(f.starts[:0], f.starts[len(f.starts)-limit:]...)
		f.capped = true
	}
}

// written reports whether a point in bucket start would overwrite a stored bar.
func (f *flushedStarts) written(start int64) bool {
	n := len(f.starts)
	if n == 0 || start > f.starts[n-1] {
		return false
	}
	if start < f.starts[0] {
		return f.capped
	}
	i := sort.Search(n, func(i int) bool { return f.starts[i] >= start })
	return i < n && f.starts[i] == start
}
