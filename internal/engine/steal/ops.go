package steal

import (
	"encoding/json"
	"fmt"
)

// Built-in operation names.
const (
	OpSum        = "sum"
	OpNumThreads = "numThreads"
)

var defaultSumInput = []int64{1, 2, 3}

func registerBuiltins(s *Scheduler) {
	s.Register(OpSum, func(args []json.RawMessage) (any, error) {
		inputs, err := parseInts(args)
		if err != nil {
			return nil, err
		}
		return s.Sum(inputs), nil
	})
	s.Register(OpNumThreads, func([]json.RawMessage) (any, error) {
		return s.Threads(), nil
	})
}

// Sum adds inputs across the pool. Every element reports which worker
// processed it.
func (s *Scheduler) Sum(inputs []int64) int64 {
	mapped := s.Map(inputs, func(c *Context, v int64) int64 {
		c.Debugf("processing: %d on thread %d", v, c.Worker)
		return v
	})

	var total int64
	for _, v := range mapped {
		total += v
	}
	return total
}

// parseInts accepts either no arguments, a single integer array, or a list
// of integer arguments.
func parseInts(args []json.RawMessage) ([]int64, error) {
	if len(args) == 0 {
		return append([]int64(nil), defaultSumInput...), nil
	}
	if len(args) == 1 {
		var list []int64
		if err := json.Unmarshal(args[0], &list); err == nil {
			return list, nil
		}
	}

	out := make([]int64, len(args))
	for i, raw := range args {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("argument %d: expected integer: %w", i, err)
		}
	}
	return out, nil
}
