package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tilestream.dev/internal/sim/session"
)

// ListTickFiles returns the hourly tick files under sessionDir in write order.
func ListTickFiles(sessionDir string) ([]string, error) {
	dir := filepath.Join(sessionDir, "ticks")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadTicks calls fn for every entry in the session's tick files, in order.
// It stops at the first error fn returns.
func ReadTicks(sessionDir string, fn func(session.TickLogEntry) error) error {
	files, err := ListTickFiles(sessionDir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := readTickFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func readTickFile(path string, fn func(session.TickLogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var entry session.TickLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return sc.Err()
}
