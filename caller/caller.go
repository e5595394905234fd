// Package caller rate-limits repeated fatal traces so a cascading
// invariant violation logs its first occurrence with a stack trace and
// then stays quiet instead of flooding the log on the way down.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Dump formats the call stack starting at the given skip depth, one
// frame per line.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// Distinct tracks whether a given call chain has been seen before, so a
// caller can log the first occurrence of each distinct failure path and
// suppress the rest.
type Distinct struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	// Whitel names functions whose call chains are never reported, for
	// sites that are expected to fail routinely.
	Whitel map[string]bool
}

// pchash is a poor-man's hash of the given RIP values, probably unique
// per distinct call chain.
func (dc *Distinct) pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("pchash: empty pcs")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of unique caller paths recorded.
func (dc *Distinct) Len() int {
	dc.Lock()
	ret := len(dc.did)
	dc.Unlock()
	return ret
}

// Seen reports whether the current call chain is new. It returns true
// along with a formatted stack trace the first time a chain is observed;
// subsequent calls along the same chain report false.
func (dc *Distinct) Seen() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}

	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("Seen: no callers")
		}
	}
	h := dc.pchash(pcs)
	if seen := dc.did[h]; seen {
		return false, ""
	}
	dc.did[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if dc.Whitel[fr.Function] {
			return false, ""
		}
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
