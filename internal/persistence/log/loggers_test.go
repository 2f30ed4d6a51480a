package log

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap/grid"
)

func TestTickLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	for i := range 5 {
		e := session.TickLogEntry{
			Tick:   uint64(i + 1),
			Pos:    grid.Vec3{X: float64(i)},
			Cell:   grid.Cell{X: int32(i)},
			Moved:  i > 0,
			Digest: "d",
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListTickFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}

	var got []session.TickLogEntry
	if err := ReadTicks(dir, func(e session.TickLogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("entries=%d", len(got))
	}
	for i, e := range got {
		if e.Tick != uint64(i+1) || e.Cell.X != int32(i) || e.Pos.X != float64(i) {
			t.Fatalf("entry %d=%+v", i, e)
		}
	}
}

func TestReadTicksAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{1, 2} {
		l := NewTickLogger(dir)
		if err := l.WriteTick(session.TickLogEntry{Tick: tick}); err != nil {
			t.Fatal(err)
		}
		if err := l.Close(); err != nil {
			t.Fatal(err)
		}
	}
	var ticks []uint64
	_ = ReadTicks(dir, func(e session.TickLogEntry) error {
		ticks = append(ticks, e.Tick)
		return nil
	})
	// Appended zstd frames decode as one stream. Two opens may also land
	// in different hourly files; either way order is preserved.
	if len(ticks) != 2 || ticks[0] != 1 || ticks[1] != 2 {
		t.Fatalf("ticks=%v", ticks)
	}
}

func TestReadTicksStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	for i := range 3 {
		_ = l.WriteTick(session.TickLogEntry{Tick: uint64(i)})
	}
	_ = l.Close()

	stop := errors.New("stop")
	n := 0
	err := ReadTicks(dir, func(session.TickLogEntry) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestListTickFilesIgnoresOthers(t *testing.T) {
	dir := t.TempDir()
	ticks := filepath.Join(dir, "ticks")
	if err := os.MkdirAll(filepath.Join(ticks, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ticks-2026-01-01-02.jsonl.zst", "ticks-2026-01-01-01.jsonl.zst", "notes.txt", "audit-2026-01-01-01.jsonl.zst"} {
		if err := os.WriteFile(filepath.Join(ticks, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListTickFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(ticks, "ticks-2026-01-01-01.jsonl.zst"),
		filepath.Join(ticks, "ticks-2026-01-01-02.jsonl.zst"),
	}
	if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("files=%v", files)
	}
}

func TestListTickFilesMissingDir(t *testing.T) {
	if _, err := ListTickFiles(t.TempDir()); !os.IsNotExist(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	_ = l.WriteTick(session.TickLogEntry{Tick: 1})
	clock = clock.Add(2 * time.Minute)
	_ = l.WriteTick(session.TickLogEntry{Tick: 2})
	_ = l.WriteTick(session.TickLogEntry{Tick: 3})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := ListTickFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "ticks-2026-03-01-10.jsonl.zst" || filepath.Base(files[1]) != "ticks-2026-03-01-11.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
	var ticks []uint64
	_ = ReadTicks(dir, func(e session.TickLogEntry) error {
		ticks = append(ticks, e.Tick)
		return nil
	})
	if len(ticks) != 3 || ticks[0] != 1 || ticks[2] != 3 {
		t.Fatalf("ticks=%v", ticks)
	}
}
