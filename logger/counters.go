package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var componentCounts sync.Map // map[string]*levelCounts

func countsFor(component string) *levelCounts {
	if v, ok := componentCounts.Load(component); ok {
		return v.(*levelCounts)
	}
	v, _ := componentCounts.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// ComponentCount is the number of warnings and errors logged by a component.
type ComponentCount struct {
	Component string `json:"component"`
	Warnings  int64  `json:"warnings"`
	Errors    int64  `json:"errors"`
}

// Counts returns warning and error totals per component, sorted by name.
func Counts() []ComponentCount {
	var out []ComponentCount
	componentCounts.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out = append(out, ComponentCount{
			Component: k.(string),
			Warnings:  c.warns.Load(),
			Errors:    c.errors.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
