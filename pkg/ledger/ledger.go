// Package ledger persists per-bundle submission outcomes in an
// append-only receipt file.
//
// The file is plain TSV (bundle UUID, outcome, timestamp, detail) so
// operators can read it directly as their upload receipt. On open, the
// whole file is replayed into an in-memory index; every append is
// fsynced before Record returns, so the last recorded outcome of a
// UUID is always a really finished attempt.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cgl-dcc/halyard/pkg/utils/rfctime"
)

// ErrCorruptLedger is returned when a receipt file contains a
// malformed newline-terminated line. (An unterminated final line is
// the footprint of a crash mid-append; Open drops it, since the entry
// never became durable.)
var ErrCorruptLedger = errors.New("corrupt receipt ledger")

// Outcome of one submission attempt of a bundle.
type Outcome string

const (
	// Submitted: metadata registered and files uploaded.
	Submitted Outcome = "submitted"

	// Skipped: the bundle was already submitted and no overwrite was
	// forced. Audit-only; it does not change the indexed state.
	Skipped Outcome = "skipped"

	// Failed: an external client failed for this bundle.
	Failed Outcome = "failed"

	// Generated: metadata was generated but upload was skipped.
	Generated Outcome = "generated"
)

func (o Outcome) valid() bool {
	switch o {
	case Submitted, Skipped, Failed, Generated:
		return true
	}
	return false
}

// Entry is one receipt line.
type Entry struct {
	BundleUUID string
	Outcome    Outcome
	RecordedAt rfctime.RFC3339
	Detail     string
}

// Ledger is a single-writer receipt log with a replayed lookup index.
type Ledger struct {
	path    string
	f       *os.File
	index   map[string]Outcome
	history []Entry
	clock   func() rfctime.RFC3339
}

type Option func(*Ledger) *Ledger

// WithClock overrides the timestamp source of appended entries.
func WithClock(clock func() rfctime.RFC3339) Option {
	return func(l *Ledger) *Ledger {
		l.clock = clock
		return l
	}
}

// Open replays the receipt file at path (creating it when absent) and
// opens it for appending.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:  path,
		index: map[string]Outcome{},
		clock: rfctime.Now,
	}
	for _, o := range opts {
		l = o(l)
	}

	healthy, err := l.replay()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, os.FileMode(0644))
	if err != nil {
		return nil, err
	}

	// heal a torn tail: drop the unterminated partial line so appends
	// start on a fresh line and later replays see whole entries only.
	if stat, err := f.Stat(); err != nil {
		f.Close()
		return nil, err
	} else if healthy < stat.Size() {
		if err := f.Truncate(healthy); err != nil {
			f.Close()
			return nil, err
		}
	}

	l.f = f
	return l, nil
}

// replay parses the receipt file into the index and returns the byte
// length of its well-formed prefix. An unterminated final line is not
// part of the prefix: the terminator is written before fsync, so such
// an entry was never durable.
func (l *Ledger) replay() (int64, error) {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	healthy := int64(0)
	lineno := 0
	rest := string(raw)
	for rest != "" {
		line, tail, terminated := strings.Cut(rest, "\n")
		if !terminated {
			break // torn tail of a crashed append
		}
		lineno += 1
		if line != "" {
			entry, err := parseLine(line)
			if err != nil {
				return 0, fmt.Errorf("%w: %s line %d: %s", ErrCorruptLedger, l.path, lineno, err)
			}
			l.apply(entry)
		}
		healthy += int64(len(line)) + 1
		rest = tail
	}
	return healthy, nil
}

func (l *Ledger) apply(e Entry) {
	l.history = append(l.history, e)
	if e.Outcome == Skipped {
		// a skip is not a state change; keep it for audit only.
		return
	}
	l.index[e.BundleUUID] = e.Outcome
}

func parseLine(line string) (Entry, error) {
	fields := strings.SplitN(line, "\t", 4)
	if len(fields) < 3 {
		return Entry{}, errors.New("too few fields")
	}
	outcome := Outcome(fields[1])
	if !outcome.valid() {
		return Entry{}, fmt.Errorf("unknown outcome %q", fields[1])
	}
	at, err := rfctime.ParseRFC3339DateTime(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp %q", fields[2])
	}
	e := Entry{BundleUUID: fields[0], Outcome: outcome, RecordedAt: at}
	if len(fields) == 4 {
		e.Detail = fields[3]
	}
	return e, nil
}

// Lookup returns the last meaningful outcome recorded for uuid.
func (l *Ledger) Lookup(uuid string) (Outcome, bool) {
	o, ok := l.index[uuid]
	return o, ok
}

// Entries returns the whole audit trail, oldest first.
func (l *Ledger) Entries() []Entry {
	return append([]Entry{}, l.history...)
}

// Record appends a receipt entry and flushes it to disk before
// returning. Tabs and newlines in detail are flattened so one entry is
// always exactly one line.
func (l *Ledger) Record(uuid string, outcome Outcome, detail string) error {
	if !outcome.valid() {
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	e := Entry{
		BundleUUID: uuid,
		Outcome:    outcome,
		RecordedAt: l.clock(),
		Detail:     flatten(detail),
	}

	line := fmt.Sprintf(
		"%s\t%s\t%s\t%s\n", e.BundleUUID, e.Outcome, e.RecordedAt.String(), e.Detail,
	)
	if _, err := io.WriteString(l.f, line); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}

	l.apply(e)
	return nil
}

func flatten(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}

func (l *Ledger) Close() error {
	return l.f.Close()
}
