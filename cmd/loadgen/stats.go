package main

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// mix picks the statement for each request.
type mix struct {
	kind  string
	read  string
	write string
}

func newMix(kind, read, write string) (mix, error) {
	switch kind {
	case "read":
		if read == "" {
			return mix{}, fmt.Errorf("query-mix %s needs -read-query", kind)
		}
	case "write":
		if write == "" {
			return mix{}, fmt.Errorf("query-mix %s needs -write-query", kind)
		}
	case "mixed":
		if read == "" || write == "" {
			return mix{}, fmt.Errorf("query-mix %s needs -read-query and -write-query", kind)
		}
	default:
		return mix{}, fmt.Errorf("unknown query-mix %q", kind)
	}
	return mix{kind: kind, read: read, write: write}, nil
}

// statement returns the i-th statement. Mixed runs one write every four
// requests.
func (m mix) statement(i int) string {
	switch m.kind {
	case "write":
		return m.write
	case "mixed":
		if i%4 == 3 {
			return m.write
		}
	}
	return m.read
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int
}

func newRecorder(capacity int) *recorder {
	return &recorder{
		latencies: make([]time.Duration, 0, capacity),
		errors:    make(map[string]int),
	}
}

func (r *recorder) record(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors[err.Error()]++
		return
	}
	r.latencies = append(r.latencies, d)
}

type summary struct {
	OK         int
	Errors     int
	ErrorKinds map[string]int
	Elapsed    time.Duration
	Throughput float64
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Max        time.Duration
}

func (r *recorder) summary(elapsed time.Duration) summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	lat := append([]time.Duration(nil), r.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	s := summary{OK: len(lat), ErrorKinds: make(map[string]int, len(r.errors)), Elapsed: elapsed}
	for msg, n := range r.errors {
		s.Errors += n
		s.ErrorKinds[msg] = n
	}
	if elapsed > 0 {
		s.Throughput = float64(s.OK+s.Errors) / elapsed.Seconds()
	}
	if len(lat) > 0 {
		s.P50 = percentile(lat, 50)
		s.P95 = percentile(lat, 95)
		s.P99 = percentile(lat, 99)
		s.Max = lat[len(lat)-1]
	}
	return s
}

// percentile uses the nearest-rank method on sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
