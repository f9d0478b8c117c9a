// Package tabular loads delimiter-sniffed CSV files shared by the checker,
// the artifact collector and the validation endpoint.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// SniffBytes is how much of a file is inspected to pick the delimiter.
const SniffBytes = 1024

var utf8BOM = []byte("\xef\xbb\xbf")

// Candidates are tried in this order; earlier candidates win ties.
var Candidates = []rune{',', ';', '\t', '|', ':', ' '}

// Frame is a fully loaded CSV table.
type Frame struct {
	Header    []string
	Rows      [][]string
	Delimiter rune
}

// ColumnIndex returns the position of name in the header or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, col := range f.Header {
		if col == name {
			return i
		}
	}
	return -1
}

// Column returns every value of the named column.
func (f *Frame) Column(name string) ([]string, bool) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out, true
}

// Sniff picks the delimiter whose per-line count is non-zero and agrees
// across the most sample lines.
func Sniff(sample []byte) rune {
	lines := sampleLines(sample)
	best, bestScore := ',', 0
	for _, cand := range Candidates {
		if score := consistency(lines, cand); score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func sampleLines(sample []byte) []string {
	text := strings.ReplaceAll(string(sample), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(sample) >= SniffBytes && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func consistency(lines []string, delim rune) int {
	if len(lines) == 0 {
		return 0
	}
	freq := map[int]int{}
	for _, line := range lines {
		freq[countOutsideQuotes(line, delim)]++
	}
	mode, modeLines := 0, 0
	for count, n := range freq {
		if count == 0 {
			continue
		}
		if n > modeLines || (n == modeLines && count < mode) {
			mode, modeLines = count, n
		}
	}
	return modeLines
}

func countOutsideQuotes(line string, delim rune) int {
	n := 0
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == delim && !quoted:
			n++
		}
	}
	return n
}

// Load reads the whole CSV file at path.
func Load(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return Read(f, -1)
}

// Read parses a CSV stream. maxRows < 0 reads every row.
func Read(r io.Reader, maxRows int) (*Frame, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	sample, err := br.Peek(SniffBytes)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("read csv sample: %w", err)
	}
	hasBOM := bytes.HasPrefix(sample, utf8BOM)
	delim := Sniff(bytes.TrimPrefix(sample, utf8BOM))
	if hasBOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return &Frame{Delimiter: delim}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	frame := &Frame{Header: trimAll(header), Delimiter: delim}
	for maxRows < 0 || len(frame.Rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(frame.Rows)+1, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		frame.Rows = append(frame.Rows, record)
	}
	return frame, nil
}

// Preview reads at most limit rows plus one to tell whether more exist.
func Preview(path string, limit int) (*Frame, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	frame, err := Read(f, limit+1)
	if err != nil {
		return nil, false, err
	}
	truncated := len(frame.Rows) > limit
	if truncated {
		frame.Rows = frame.Rows[:limit]
	}
	return frame, truncated, nil
}

func trimAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSpace(v)
	}
	return out
}
