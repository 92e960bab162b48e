// Package data loads a metabolomics feature table and its sample metadata
// into the matrix and label form consumed by the optimizer.
package data

import (
	"bufio"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// candidateDelimiters are tried in order; the first wins ties.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// missingTokens are parsed as NaN.
var missingTokens = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "NaN": {}, "nan": {}, "null": {}, "NULL": {},
}

// sniffLines and sniffBytes bound the sample inspected to detect the
// delimiter.
const (
	sniffLines = 5
	sniffBytes = 64 << 10
)

// Table is a header plus string records, all of the header's width.
type Table struct {
	Header    []string
	Rows      [][]string
	Delimiter rune
	columns   map[string]int
}

// ReadTableFile opens path and reads it with ReadTable.
func ReadTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return t, nil
}

// ReadTable reads delimited text whose separator is one of , ; tab or |.
// The first record is the header.
func ReadTable(r io.Reader) (*Table, error) {
	const op = "data.ReadTable"
	br := bufio.NewReaderSize(r, sniffBytes)
	// BOM を読み飛ばす
	if b, err := br.Peek(3); err == nil && string(b) == "\xef\xbb\xbf" {
		_, _ = br.Discard(3)
	}
	sample, err := peekLines(br, sniffLines)
	if err != nil {
		return nil, err
	}
	delim := sniffDelimiter(sample)

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.NewDataIntegrityErrorf(op, "malformed delimited text: %v", err)
	}
	if len(records) == 0 {
		return nil, errors.NewDataIntegrityError(op, "empty file")
	}

	header := lo.Map(records[0], func(h string, _ int) string { return strings.TrimSpace(h) })
	t := &Table{Header: header, Rows: records[1:], Delimiter: delim, columns: make(map[string]int, len(header))}
	for i, h := range header {
		if _, dup := t.columns[h]; dup {
			return nil, errors.NewDataIntegrityErrorf(op, "duplicate column %q", h)
		}
		t.columns[h] = i
	}
	return t, nil
}

// peekLines returns up to n lines without consuming them.
func peekLines(br *bufio.Reader, n int) ([]string, error) {
	buf, err := br.Peek(sniffBytes)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "peek")
	}
	lines := strings.Split(string(buf), "\n")
	lines = lo.Map(lo.Slice(lines, 0, n), func(l string, _ int) string { return strings.TrimRight(l, "\r") })
	return lines, nil
}

// sniffDelimiter picks the candidate that occurs the same, non-zero number
// of times on every sampled line, preferring the largest count. Without a
// consistent candidate the most frequent one on the header wins.
func sniffDelimiter(lines []string) rune {
	lines = lo.Filter(lines, func(l string, _ int) bool { return strings.TrimSpace(l) != "" })
	if len(lines) == 0 {
		return ','
	}
	best, bestCount := rune(0), 0
	for _, d := range candidateDelimiters {
		n := strings.Count(lines[0], string(d))
		if n == 0 || n <= bestCount {
			continue
		}
		consistent := lo.EveryBy(lines, func(l string) bool {
			return strings.Count(l, string(d)) == n
		})
		if consistent {
			best, bestCount = d, n
		}
	}
	if best != 0 {
		return best
	}
	return lo.MaxBy(candidateDelimiters, func(a, b rune) bool {
		return strings.Count(lines[0], string(a)) > strings.Count(lines[0], string(b))
	})
}

// Column returns the index of a column.
func (t *Table) Column(name string) (int, bool) {
	i, ok := t.columns[name]
	return i, ok
}

// HasColumn reports whether the header contains name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Value returns the cell of row i in column name, trimmed.
func (t *Table) Value(i int, name string) string {
	return strings.TrimSpace(t.Rows[i][t.columns[name]])
}

// ParseFloat parses a numeric cell. Missing markers become NaN.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if _, missing := missingTokens[s]; missing {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", s)
	}
	return v, nil
}
