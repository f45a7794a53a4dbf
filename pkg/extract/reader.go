package extract

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Delimiter separates fields. MAUDE files use no quoting, so a pipe inside
// a value is indistinguishable from a separator.
const Delimiter = "|"

// Record is one data line split into fields, aligned to the header.
type Record struct {
	Fields []string
	Line   int64
}

// RowReader reads delimited lines. Lines with more fields than the header
// are skipped and counted; shorter lines are padded with empty fields.
type RowReader struct {
	br        *bufio.Reader
	header    []string
	line      int64
	malformed int64

	// skipEcho drops a first line that repeats a supplied header.
	skipEcho bool
}

// NewRowReader reads the header from the first line when header is nil;
// otherwise every line is data, except a first line that repeats header.
func NewRowReader(r io.Reader, header []string) (*RowReader, error) {
	rr := &RowReader{br: bufio.NewReaderSize(r, 256<<10)}
	if header != nil {
		rr.header = append([]string(nil), header...)
		rr.skipEcho = true
		return rr, nil
	}

	for {
		line, err := rr.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("missing header line")
			}
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		rr.header = splitHeader(line)
		return rr, nil
	}
}

func splitHeader(line string) []string {
	line = strings.TrimPrefix(line, "\ufeff")
	// A UTF-8 byte order mark decoded as latin-1.
	line = strings.TrimPrefix(line, "\u00ef\u00bb\u00bf")
	fields := strings.Split(line, Delimiter)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// Header returns the column names in file order.
func (r *RowReader) Header() []string {
	return r.header
}

// Malformed returns how many lines were skipped for having too many fields.
func (r *RowReader) Malformed() int64 {
	return r.malformed
}

// Line returns the number of lines consumed so far.
func (r *RowReader) Line() int64 {
	return r.line
}

func (r *RowReader) readLine() (string, error) {
	s, err := r.br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	r.line++
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *RowReader) Next() (Record, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return Record{}, err
		}
		if line == "" {
			continue
		}
		fields := strings.Split(line, Delimiter)
		if r.skipEcho {
			r.skipEcho = false
			if strings.EqualFold(strings.TrimSpace(fields[0]), r.header[0]) {
				continue
			}
		}
		switch {
		case len(fields) > len(r.header):
			r.malformed++
			continue
		case len(fields) < len(r.header):
			padded := make([]string, len(r.header))
			copy(padded, fields)
			fields = padded
		}
		return Record{Fields: fields, Line: r.line}, nil
	}
}

// ColumnIndex returns the position of the first header column matching one
// of names case-insensitively, or -1.
func ColumnIndex(header []string, names ...string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.EqualFold(h, name) {
				return i
			}
		}
	}
	return -1
}

func (r *RowReader) String() string {
	return fmt.Sprintf("RowReader(%d columns, line %d)", len(r.header), r.line)
}
