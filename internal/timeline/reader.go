package timeline

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"backsim/internal/types"
)

// DefaultChunkSize is how many tick rows a symbol stream holds in memory
const DefaultChunkSize = 100000

// Tick cache files are CSV, optionally gzipped, one file per symbol per day
// under YYYY/MM/DD/ticks/SYMBOL_TICKS.csv[.gz]. Required columns:
// time, bid, ask; optional: last, volume, spread.
var tickColumns = []string{"time", "bid", "ask", "last", "volume", "spread"}

// symbolStream reads one symbol's day files in order, a chunk at a time.
// At most one chunk is resident per symbol regardless of total data volume.
type symbolStream struct {
	symbol    string
	files     []string
	fileIdx   int
	reader    *csv.Reader
	closer    io.Closer
	row       int // 1-based data row within the current file
	cols      map[string]int
	chunk     []types.Tick
	pos       int
	chunkSize int
	start     time.Time
	end       time.Time
}

func newSymbolStream(symbol string, files []string, start, end time.Time, chunkSize int) *symbolStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &symbolStream{
		symbol:    symbol,
		files:     files,
		chunkSize: chunkSize,
		start:     start,
		end:       end,
	}
}

// next returns the stream's next in-range tick. The bool is false when the
// stream is exhausted. Any file or parse error is fatal for the whole run.
func (s *symbolStream) next() (types.Tick, bool, error) {
	for {
		if s.pos < len(s.chunk) {
			t := s.chunk[s.pos]
			s.pos++
			return t, true, nil
		}
		ok, err := s.fillChunk()
		if err != nil {
			return types.Tick{}, false, err
		}
		if !ok {
			return types.Tick{}, false, nil
		}
	}
}

// fillChunk reads the next chunk of in-range ticks, crossing file boundaries
// as needed. Returns false when all files are exhausted.
func (s *symbolStream) fillChunk() (bool, error) {
	s.chunk = s.chunk[:0]
	s.pos = 0
	for len(s.chunk) < s.chunkSize {
		if s.reader == nil {
			if s.fileIdx >= len(s.files) {
				break
			}
			if err := s.openFile(s.files[s.fileIdx]); err != nil {
				return false, err
			}
		}
		record, err := s.reader.Read()
		if err == io.EOF {
			s.closeFile()
			s.fileIdx++
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%s: row %d: %w", s.files[s.fileIdx], s.row+1, err)
		}
		s.row++
		tick, err := s.parseRecord(record)
		if err != nil {
			return false, fmt.Errorf("%s: row %d: %w", s.files[s.fileIdx], s.row, err)
		}
		if !s.inRange(tick.Time) {
			continue
		}
		s.chunk = append(s.chunk, tick)
	}
	return len(s.chunk) > 0, nil
}

func (s *symbolStream) inRange(t time.Time) bool {
	if !s.start.IsZero() && t.Before(s.start) {
		return false
	}
	if !s.end.IsZero() && t.After(s.end) {
		return false
	}
	return true
}

func (s *symbolStream) openFile(path string) error {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return fmt.Errorf("open tick file %s: %w", path, err)
	}
	r := csv.NewReader(rc)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		rc.Close()
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		rc.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	s.reader = r
	s.closer = rc
	s.cols = cols
	s.row = 0
	return nil
}

func (s *symbolStream) closeFile() {
	if s.closer != nil {
		s.closer.Close()
	}
	s.reader = nil
	s.closer = nil
}

func (s *symbolStream) parseRecord(record []string) (types.Tick, error) {
	t, err := parseTickTime(record[s.cols["time"]])
	if err != nil {
		return types.Tick{}, err
	}
	bid, err := strconv.ParseFloat(record[s.cols["bid"]], 64)
	if err != nil {
		return types.Tick{}, fmt.Errorf("invalid bid %q", record[s.cols["bid"]])
	}
	ask, err := strconv.ParseFloat(record[s.cols["ask"]], 64)
	if err != nil {
		return types.Tick{}, fmt.Errorf("invalid ask %q", record[s.cols["ask"]])
	}
	var last, volume, spread float64
	if i, ok := s.cols["last"]; ok && record[i] != "" {
		if last, err = strconv.ParseFloat(record[i], 64); err != nil {
			return types.Tick{}, fmt.Errorf("invalid last %q", record[i])
		}
	}
	if i, ok := s.cols["volume"]; ok && record[i] != "" {
		if volume, err = strconv.ParseFloat(record[i], 64); err != nil {
			return types.Tick{}, fmt.Errorf("invalid volume %q", record[i])
		}
	}
	if i, ok := s.cols["spread"]; ok && record[i] != "" {
		if spread, err = strconv.ParseFloat(record[i], 64); err != nil {
			return types.Tick{}, fmt.Errorf("invalid spread %q", record[i])
		}
	}
	return types.NewTick(s.symbol, t, bid, ask, last, volume, spread), nil
}

// countRows counts the in-range data rows of the stream's files without
// retaining them, so the timeline can report its total up front
func (s *symbolStream) countRows() (int, error) {
	total := 0
	for _, path := range s.files {
		rc, err := openMaybeGzip(path)
		if err != nil {
			return 0, fmt.Errorf("open tick file %s: %w", path, err)
		}
		r := csv.NewReader(rc)
		r.ReuseRecord = true
		header, err := r.Read()
		if err != nil {
			rc.Close()
			return 0, fmt.Errorf("%s: read header: %w", path, err)
		}
		cols, err := mapColumns(header)
		if err != nil {
			rc.Close()
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		row := 0
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				rc.Close()
				return 0, fmt.Errorf("%s: row %d: %w", path, row+1, err)
			}
			row++
			t, err := parseTickTime(record[cols["time"]])
			if err != nil {
				rc.Close()
				return 0, fmt.Errorf("%s: row %d: %w", path, row, err)
			}
			if s.inRange(t) {
				total++
			}
		}
		rc.Close()
	}
	return total, nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"time", "bid", "ask"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}
	return cols, nil
}

// parseTickTime accepts unix microseconds, unix nanoseconds, or RFC3339
func parseTickTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Nanosecond stamps are three orders of magnitude larger than
		// microsecond stamps for any plausible date
		if n >= 1e17 {
			return time.Unix(0, n).UTC(), nil
		}
		return time.UnixMicro(n).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t.UTC(), nil
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	g.gz.Close()
	return g.f.Close()
}

// DiscoverSources walks a data directory laid out as YYYY/MM/DD/ticks/ and
// returns each symbol's tick files in day order
func DiscoverSources(dataDir string, symbols []string, start, end time.Time) (map[string][]string, error) {
	sources := make(map[string][]string, len(symbols))
	for _, sym := range symbols {
		sources[sym] = nil
	}
	var days []string
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == "ticks" {
			days = append(days, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan data directory %s: %w", dataDir, err)
	}
	sort.Strings(days) // YYYY/MM/DD paths sort chronologically
	for _, day := range days {
		for _, sym := range symbols {
			for _, name := range []string{sym + "_TICKS.csv.gz", sym + "_TICKS.csv"} {
				path := filepath.Join(day, name)
				if _, err := os.Stat(path); err == nil {
					sources[sym] = append(sources[sym], path)
					break
				}
			}
		}
	}
	return sources, nil
}
