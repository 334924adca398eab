package artifact

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"pm-go/internal/model"
)

// EnvelopeFormat names the decompressed payload format.
const EnvelopeFormat = "pm-export"

// EnvelopeVersion is the envelope layout version written into the header record.
const EnvelopeVersion = 1

// RecordType tags each envelope line.
type RecordType string

const (
	RecordHeader    RecordType = "header"
	RecordSchema    RecordType = "schema"
	RecordRows      RecordType = "rows"
	RecordSequences RecordType = "sequences"
	RecordTrailer   RecordType = "trailer"
)

// EnvelopeHeader is the first record of every envelope.
type EnvelopeHeader struct {
	Format        string    `json:"format"`
	Version       int       `json:"version"`
	SchemaVersion uint      `json:"schema_version"`
	OperationID   string    `json:"operation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Trailer closes the envelope with the number of rows written per table.
type Trailer struct {
	Tables map[string]int64 `json:"tables"`
	Rows   int64            `json:"rows"`
}

// Record is one line of the envelope. Exactly one payload field is set, matching Type.
type Record struct {
	Type      RecordType       `json:"type"`
	Header    *EnvelopeHeader  `json:"header,omitempty"`
	Schema    *model.Schema    `json:"schema,omitempty"`
	Table     string           `json:"table,omitempty"`
	Rows      []model.Row      `json:"rows,omitempty"`
	Sequences []model.Sequence `json:"sequences,omitempty"`
	Trailer   *Trailer         `json:"trailer,omitempty"`
}

// EnvelopeWriter writes envelope records as JSON lines.
type EnvelopeWriter struct {
	enc *json.Encoder
}

func NewEnvelopeWriter(w io.Writer) *EnvelopeWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &EnvelopeWriter{enc: enc}
}

func (w *EnvelopeWriter) write(rec Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing %s record: %w", rec.Type, err)
	}
	return nil
}

func (w *EnvelopeWriter) WriteHeader(h EnvelopeHeader) error {
	return w.write(Record{Type: RecordHeader, Header: &h})
}

func (w *EnvelopeWriter) WriteSchema(s *model.Schema) error {
	return w.write(Record{Type: RecordSchema, Schema: s})
}

// WriteRows writes one chunk of rows for table. Empty chunks are skipped.
func (w *EnvelopeWriter) WriteRows(table string, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return w.write(Record{Type: RecordRows, Table: table, Rows: rows})
}

func (w *EnvelopeWriter) WriteSequences(seqs []model.Sequence) error {
	return w.write(Record{Type: RecordSequences, Sequences: seqs})
}

func (w *EnvelopeWriter) WriteTrailer(t Trailer) error {
	return w.write(Record{Type: RecordTrailer, Trailer: &t})
}

// EnvelopeReader reads envelope records one at a time.
type EnvelopeReader struct {
	dec *json.Decoder
}

func NewEnvelopeReader(r io.Reader) *EnvelopeReader {
	return &EnvelopeReader{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record, or io.EOF after the last one.
// Records with an unknown type or a missing payload are ErrMalformed.
func (r *EnvelopeReader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: decoding record: %v", ErrMalformed, err)
	}

	var ok bool
	switch rec.Type {
	case RecordHeader:
		ok = rec.Header != nil
	case RecordSchema:
		ok = rec.Schema != nil
	case RecordRows:
		ok = rec.Table != "" && len(rec.Rows) > 0
	case RecordSequences:
		ok = true
	case RecordTrailer:
		ok = rec.Trailer != nil
	default:
		return nil, fmt.Errorf("%w: unknown record type %q", ErrMalformed, rec.Type)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s record without payload", ErrMalformed, rec.Type)
	}
	return &rec, nil
}

// Summary is everything in an envelope except the rows themselves.
type Summary struct {
	Header    EnvelopeHeader
	Schema    *model.Schema
	Sequences []model.Sequence
	Trailer   Trailer
}

// Scan reads a whole envelope and validates its structure: record order, that
// every rows record names an exported table and has the table's column count,
// and that row counts agree with the trailer and the schema.
// visit, if non-nil, is called after every record; a non-nil error from it stops the scan.
func Scan(r io.Reader, visit func(*Record) error) (*Summary, error) {
	er := NewEnvelopeReader(r)
	var (
		sum        Summary
		seen       = map[RecordType]bool{}
		counts     = map[string]int64{}
		totalRows  int64
		sawTrailer bool
	)

	for {
		rec, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if sawTrailer {
			return nil, fmt.Errorf("%w: %s record after trailer", ErrMalformed, rec.Type)
		}

		switch rec.Type {
		case RecordHeader:
			if len(seen) > 0 {
				return nil, fmt.Errorf("%w: header is not the first record", ErrMalformed)
			}
			if rec.Header.Format != EnvelopeFormat {
				return nil, fmt.Errorf("%w: envelope format %q", ErrMalformed, rec.Header.Format)
			}
			if rec.Header.Version != EnvelopeVersion {
				return nil, fmt.Errorf("%w: envelope version %d", ErrUnsupportedVersion, rec.Header.Version)
			}
			sum.Header = *rec.Header
		case RecordSchema:
			if !seen[RecordHeader] || seen[RecordSchema] {
				return nil, fmt.Errorf("%w: schema record out of order", ErrMalformed)
			}
			if rec.Schema.Version != sum.Header.SchemaVersion {
				return nil, fmt.Errorf("%w: schema version %d does not match envelope header %d",
					ErrMalformed, rec.Schema.Version, sum.Header.SchemaVersion)
			}
			sum.Schema = rec.Schema
		case RecordRows:
			if !seen[RecordSchema] || seen[RecordSequences] {
				return nil, fmt.Errorf("%w: rows record out of order", ErrMalformed)
			}
			table := sum.Schema.Table(rec.Table)
			if table == nil || table.LocalOnly {
				return nil, fmt.Errorf("%w: rows for unknown table %q", ErrMalformed, rec.Table)
			}
			for _, row := range rec.Rows {
				if len(row) != len(table.Columns) {
					return nil, fmt.Errorf("%w: table %s row has %d values, want %d",
						ErrMalformed, rec.Table, len(row), len(table.Columns))
				}
			}
			counts[rec.Table] += int64(len(rec.Rows))
			totalRows += int64(len(rec.Rows))
		case RecordSequences:
			if !seen[RecordSchema] || seen[RecordSequences] {
				return nil, fmt.Errorf("%w: sequences record out of order", ErrMalformed)
			}
			sum.Sequences = rec.Sequences
		case RecordTrailer:
			if !seen[RecordSequences] {
				return nil, fmt.Errorf("%w: trailer before sequences", ErrMalformed)
			}
			sum.Trailer = *rec.Trailer
			sawTrailer = true
		}
		seen[rec.Type] = true

		if visit != nil {
			if err := visit(rec); err != nil {
				return nil, err
			}
		}
	}

	if !sawTrailer {
		return nil, fmt.Errorf("%w: envelope is truncated (no trailer)", ErrMalformed)
	}
	if sum.Trailer.Rows != totalRows {
		return nil, fmt.Errorf("%w: trailer counts %d rows, envelope has %d", ErrMalformed, sum.Trailer.Rows, totalRows)
	}
	for _, t := range sum.Schema.Tables {
		if t.LocalOnly {
			continue
		}
		if counts[t.Name] != sum.Trailer.Tables[t.Name] || counts[t.Name] != t.RowCount {
			return nil, fmt.Errorf("%w: table %s has %d rows, trailer says %d, schema says %d",
				ErrMalformed, t.Name, counts[t.Name], sum.Trailer.Tables[t.Name], t.RowCount)
		}
	}
	return &sum, nil
}
