// Package scanlog keeps a tamper-evident history of completed scans on the
// agent host. Each scan summary is appended as one JSON line whose
// event_hash covers the line's content and the previous line's hash:
//
//	event_hash = SHA-256( JSON({seq, ts, scan, prev_hash}) )
//
// The first record uses GenesisHash as prev_hash. Open and Verify reject a
// file whose chain does not check out, so edited or deleted history lines
// are detected.
package scanlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/scanner"
)

// GenesisHash is the prev_hash of the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const maxLine = 4 << 20

// Record is one verified history line.
type Record struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Scan      scanner.Summary `json:"-"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// line is the on-disk format. Scan is kept raw so the hash is computed over
// the exact bytes that were written.
type line struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Scan      json.RawMessage `json:"scan"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash,omitempty"`
}

// ErrChainBroken is wrapped by every chain verification failure.
var ErrChainBroken = errors.New("scanlog: hash chain broken")

// History appends scan summaries to a hash-chained JSONL file.
type History struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open verifies any existing history at path and prepares it for
// appending, creating the file if needed.
func Open(path string) (*History, error) {
	prevHash, seq := GenesisHash, int64(0)

	if f, err := os.Open(path); err == nil {
		err := walk(f, func(r Record) {
			prevHash, seq = r.EventHash, r.Seq
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("scanlog: %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("scanlog: open %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("scanlog: open for appending %q: %w", path, err)
	}
	return &History{file: f, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Append records the summary of a completed scan.
func (h *History) Append(s scanner.Summary) (Record, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("scanlog: marshal summary: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	l := line{
		Seq:       h.seq + 1,
		Timestamp: h.now().UTC(),
		Scan:      payload,
		PrevHash:  h.prevHash,
	}
	l.EventHash = hashLine(l)

	out, err := json.Marshal(l)
	if err != nil {
		return Record{}, fmt.Errorf("scanlog: marshal record: %w", err)
	}
	if _, err := h.file.Write(append(out, '\n')); err != nil {
		return Record{}, fmt.Errorf("scanlog: write record: %w", err)
	}

	h.seq = l.Seq
	h.prevHash = l.EventHash
	return Record{Seq: l.Seq, Timestamp: l.Timestamp, Scan: s, PrevHash: l.PrevHash, EventHash: l.EventHash}, nil
}

// Close syncs and closes the file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Sync(); err != nil {
		_ = h.file.Close()
		return fmt.Errorf("scanlog: sync: %w", err)
	}
	return h.file.Close()
}

// Verify checks the full chain at path and returns its records in order.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scanlog: open %q: %w", path, err)
	}
	defer f.Close()

	var out []Record
	if err := walk(f, func(r Record) { out = append(out, r) }); err != nil {
		return nil, fmt.Errorf("scanlog: %s: %w", path, err)
	}
	return out, nil
}

// Tail returns the last n verified records at path.
func Tail(path string, n int) ([]Record, error) {
	all, err := Verify(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// walk verifies each line of r against the chain and hands it to fn.
func walk(r io.Reader, fn func(Record)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	prevHash, wantSeq := GenesisHash, int64(1)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("malformed record %d: %w", wantSeq, err)
		}
		if l.Seq != wantSeq {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrChainBroken, wantSeq, l.Seq)
		}
		if l.PrevHash != prevHash {
			return fmt.Errorf("%w at seq %d: prev_hash mismatch", ErrChainBroken, l.Seq)
		}
		stored := l.EventHash
		l.EventHash = ""
		if computed := hashLine(l); computed != stored {
			return fmt.Errorf("%w at seq %d: stored %s, computed %s", ErrChainBroken, l.Seq, stored, computed)
		}

		rec := Record{Seq: l.Seq, Timestamp: l.Timestamp, PrevHash: l.PrevHash, EventHash: stored}
		if err := json.Unmarshal(l.Scan, &rec.Scan); err != nil {
			return fmt.Errorf("malformed scan summary at seq %d: %w", l.Seq, err)
		}
		fn(rec)
		prevHash, wantSeq = stored, wantSeq+1
	}
	return sc.Err()
}

// hashLine hashes l with its EventHash left empty.
func hashLine(l line) string {
	l.EventHash = ""
	raw, err := json.Marshal(l)
	if err != nil {
		panic(fmt.Sprintf("scanlog: marshal line: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
