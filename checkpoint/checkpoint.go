// Package checkpoint implements the crash-recovery protocol of §4.6:
// per-in-flight sentinel files in a recovery directory. It is grounded
// on solana_config/lib.rs's process_block_queue_stream, which writes
// the current slot's sentinel before processing and removes the
// previous one only after a publish is acknowledged — preserved here
// as Recorder.Begin/Advance.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultDir is the recovery directory used unless overridden, per
// §4.6.
const DefaultDir = "./indexed_blocks"

// Recorder writes and rotates a single worker's sentinel file. Each
// worker owns one Recorder; the recovery directory is otherwise shared
// and safe for concurrent workers since they never touch each other's
// sentinel files.
type Recorder struct {
	dir  string
	prev *uint64
}

// NewRecorder creates dir if absent and returns a Recorder over it.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create recovery directory %q: %w", dir, err)
	}
	return &Recorder{dir: dir}, nil
}

// Begin writes a sentinel for slot, marking it in flight. It does not
// yet remove the previous sentinel — that happens once slot's work is
// durably published, via Advance — so a crash between Begin and
// Advance leaves both sentinels on disk and both slots get re-picked
// up on restart.
func (r *Recorder) Begin(slot uint64) error {
	path := filepath.Join(r.dir, strconv.FormatUint(slot, 10))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create sentinel for slot %d: %w", slot, err)
	}
	return f.Close()
}

// Advance removes the previously begun sentinel (not the one most
// recently created by Begin) and remembers slot as the new previous.
// Call once slot's work has been durably published.
func (r *Recorder) Advance(slot uint64) error {
	if r.prev != nil {
		path := filepath.Join(r.dir, strconv.FormatUint(*r.prev, 10))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: remove sentinel for slot %d: %w", *r.prev, err)
		}
	}
	s := slot
	r.prev = &s
	return nil
}

// Plan is the outcome of scanning the recovery directory against a
// producer's requested range: the adjusted bounds the producer should
// actually iterate, and whether the range is already fully indexed.
type Plan struct {
	Start    uint64
	End      uint64
	HasEnd   bool
	Complete bool
}

// AdjustForward applies the forward-mode rule of §4.6: for every
// sentinel v, if v >= start, advance start to v+1; if end is present
// and any sentinel >= end, the range is already fully indexed.
func AdjustForward(dir string, start uint64, end uint64, hasEnd bool) (Plan, error) {
	sentinels, err := readSentinels(dir)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Start: start, End: end, HasEnd: hasEnd}
	for _, v := range sentinels {
		if v >= plan.Start {
			plan.Start = v + 1
		}
		if hasEnd && v >= end {
			plan.Complete = true
		}
	}
	return plan, nil
}

// AdjustReverse applies the reverse-mode rule of §4.6: for every
// sentinel v, if v <= end, retract end to v-1; if end is absent, the
// same retraction is applied to start instead.
func AdjustReverse(dir string, start uint64, end uint64, hasEnd bool) (Plan, error) {
	sentinels, err := readSentinels(dir)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Start: start, End: end, HasEnd: hasEnd}
	for _, v := range sentinels {
		if hasEnd {
			if v <= plan.End {
				if v == 0 {
					plan.Complete = true
					continue
				}
				plan.End = v - 1
			}
		} else {
			if v <= plan.Start {
				if v == 0 {
					plan.Complete = true
					continue
				}
				plan.Start = v - 1
			}
		}
	}
	return plan, nil
}

// readSentinels lists the recovery directory's entries and parses
// every filename that is a plain base-10 unsigned integer, ignoring
// anything else that may be present.
func readSentinels(dir string) ([]uint64, error) {
	if dir == "" {
		dir = DefaultDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read recovery directory %q: %w", dir, err)
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		v, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
