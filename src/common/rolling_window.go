package common

// RollingWindow is a bounded set of string keys partitioned into a fixed
// number of windows. New keys are added to the most recent window, and Shift
// drops the oldest window. Shifting at a fixed period yields a time-windowed
// cache: a key stays visible for at least (windows-1) periods and at most
// windows periods.
type RollingWindow struct {
	windows []map[string]struct{}
}

// NewRollingWindow creates a RollingWindow with the given number of windows.
func NewRollingWindow(windows int) *RollingWindow {
	if windows < 1 {
		windows = 1
	}
	r := &RollingWindow{
		windows: make([]map[string]struct{}, windows),
	}
	for i := range r.windows {
		r.windows[i] = make(map[string]struct{})
	}
	return r
}

// Add records a key in the most recent window.
func (r *RollingWindow) Add(key string) {
	r.windows[0][key] = struct{}{}
}

// Has reports whether the key is present in any window.
func (r *RollingWindow) Has(key string) bool {
	for _, w := range r.windows {
		if _, ok := w[key]; ok {
			return true
		}
	}
	return false
}

// Shift drops the oldest window and opens a fresh one.
func (r *RollingWindow) Shift() {
	last := len(r.windows) - 1
	copy(r.windows[1:], r.windows[:last])
	r.windows[0] = make(map[string]struct{})
}

// Len returns the total number of keys across all windows. Keys present in
// more than one window are counted once per window.
func (r *RollingWindow) Len() int {
	tot := 0
	for _, w := range r.windows {
		tot += len(w)
	}
	return tot
}
