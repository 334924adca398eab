package pm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"pm-go/internal/artifact"
	"pm-go/internal/model"
)

// StartExport begins exporting the whole store to an artifact at targetPath.
// The target directory must be writable and no other operation may be running.
// Work continues on a goroutine; follow it through the returned Handle.
func (o *Orchestrator) StartExport(ctx context.Context, targetPath string, opts ExportOptions) (*Handle, error) {
	if opts.Encryptor == nil {
		return nil, errors.New("export requires an encryptor")
	}
	if !opts.Encryptor.IsConfigured() {
		return nil, errors.New("encryptor is not configured (run 'pm keys init')")
	}
	if opts.Compression == 0 {
		opts.Compression = artifact.CompressionZstd
	}
	if !opts.Compression.Known() {
		return nil, fmt.Errorf("unknown compression %s", opts.Compression)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("resolving export path: %w", err)
	}

	op, err := o.acquire(KindExport)
	if err != nil {
		return nil, err
	}
	if err := o.fsmgr.CheckWritable(absPath); err != nil {
		o.release(op)
		return nil, &IOError{Op: "export", Path: absPath, Err: err}
	}

	tr := newTracker(op, o.clock)
	rec := &OperationRecord{ID: op.id, Kind: KindExport, Status: StatusRunning, Path: absPath, StartedAt: o.clock.Now()}
	return o.launch(ctx, op, tr, opts.Observer, rec, func(ctx context.Context, res *Result) error {
		return o.runExport(ctx, op, tr, absPath, opts, res)
	}), nil
}

func (o *Orchestrator) runExport(ctx context.Context, op *operation, tr *tracker, target string, opts ExportOptions, res *Result) error {
	bufs := &buffers{spool: o.spool, opID: op.id}
	defer bufs.discard()

	// snapshotSchema
	tr.enter(PhaseSnapshotSchema, "")
	snap, err := o.store.BeginSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer snap.Close()

	schema, err := snap.Schema(ctx)
	if err != nil {
		return fmt.Errorf("capturing schema: %w", err)
	}
	tr.advance(1, 1, fmt.Sprintf("%d tables", len(schema.Tables)))
	if err := op.checkpoint(); err != nil {
		return err
	}

	// snapshotTable
	rowsBuf, err := bufs.create("rows")
	if err != nil {
		return err
	}
	counts, err := o.snapshotTables(ctx, op, tr, snap, schema, rowsBuf, opts.ChunkSize)
	if err != nil {
		return err
	}

	// snapshotSequences
	tr.enter(PhaseSnapshotSequences, "")
	seqs, err := snap.Sequences(ctx)
	if err != nil {
		return fmt.Errorf("capturing sequences: %w", err)
	}
	if err := snap.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	tr.advance(1, 1, fmt.Sprintf("%d sequences", len(seqs)))
	if err := op.checkpoint(); err != nil {
		return err
	}

	// serialize
	tr.enter(PhaseSerialize, "")
	envBuf, err := bufs.create("envelope")
	if err != nil {
		return err
	}
	if err := o.serialize(op, tr, schema, seqs, counts, rowsBuf, envBuf); err != nil {
		return err
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// compress
	tr.enter(PhaseCompress, opts.Compression.String())
	compBuf, err := bufs.create("compressed")
	if err != nil {
		return err
	}
	if err := o.pipe(envBuf, compBuf, tr, opts.Compression.String(), func(r io.Reader, w io.Writer) error {
		return artifact.Compress(opts.Compression, r, w)
	}); err != nil {
		return fmt.Errorf("compressing envelope: %w", err)
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// encrypt
	header := artifact.NewHeader(opts.Encryptor.Cipher(), opts.Compression, schema.Version)
	rawHeader, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	tr.enter(PhaseEncrypt, opts.Encryptor.Cipher().String())
	encBuf, err := bufs.create("encrypted")
	if err != nil {
		return err
	}
	if err := o.pipe(compBuf, encBuf, tr, "", func(r io.Reader, w io.Writer) error {
		// The header copy inside the ciphertext authenticates the plaintext header.
		return opts.Encryptor.Encrypt(io.MultiReader(bytes.NewReader(rawHeader), r), w)
	}); err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// write: not interruptible once started
	tr.enter(PhaseWrite, target)
	payload, err := encBuf.Open()
	if err != nil {
		return fmt.Errorf("opening encrypted payload: %w", err)
	}
	defer payload.Close()
	total := int64(len(rawHeader)) + encBuf.Size()
	n, err := o.fsmgr.WriteAtomic(target, tr.reader(io.MultiReader(bytes.NewReader(rawHeader), payload), total, target))
	if err != nil {
		return &IOError{Op: "write", Path: target, Err: err}
	}

	res.FilePath = target
	res.SizeBytes = n
	for _, t := range schema.Tables {
		if !t.LocalOnly {
			res.Tables++
		}
	}
	for _, c := range counts {
		res.Rows += c
	}
	return nil
}

// snapshotTables streams every exported table into w as rows records, in
// foreign-key-safe order, reading chunkSize rows at a time in primary-key order.
func (o *Orchestrator) snapshotTables(ctx context.Context, op *operation, tr *tracker, snap Snapshot, schema *model.Schema, w io.Writer, chunkSize int) (map[string]int64, error) {
	total := schema.TotalRows()
	tr.enter(PhaseSnapshotTable, "")
	tr.advance(0, total, "")

	enc := artifact.NewEnvelopeWriter(w)
	counts := make(map[string]int64)
	var done int64

	for _, table := range schema.InsertOrder() {
		if table.LocalOnly {
			continue
		}
		var offset int64
		for {
			rows, err := o.readChunk(ctx, snap, table, offset, chunkSize)
			if err != nil {
				return nil, err
			}
			if err := enc.WriteRows(table.Name, rows); err != nil {
				return nil, fmt.Errorf("spooling %s rows: %w", table.Name, err)
			}
			offset += int64(len(rows))
			done += int64(len(rows))
			counts[table.Name] = offset
			tr.advance(min(done, total), total, table.Name)

			if len(rows) < chunkSize {
				break
			}
			if err := op.checkpoint(); err != nil {
				return nil, err
			}
		}
		if offset != table.RowCount {
			// Row counts and rows come from the same snapshot.
			return nil, fmt.Errorf("table %s: read %d rows, snapshot counted %d", table.Name, offset, table.RowCount)
		}
		if err := op.checkpoint(); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

// serialize assembles the envelope: header, schema, spooled rows, sequences, trailer.
func (o *Orchestrator) serialize(op *operation, tr *tracker, schema *model.Schema, seqs []model.Sequence, counts map[string]int64, rowsBuf, envBuf SpoolBuffer) error {
	enc := artifact.NewEnvelopeWriter(envBuf)
	if err := enc.WriteHeader(artifact.EnvelopeHeader{
		Format:        artifact.EnvelopeFormat,
		Version:       artifact.EnvelopeVersion,
		SchemaVersion: schema.Version,
		OperationID:   op.id,
		CreatedAt:     o.clock.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := enc.WriteSchema(schema); err != nil {
		return err
	}

	rows, err := rowsBuf.Open()
	if err != nil {
		return fmt.Errorf("opening spooled rows: %w", err)
	}
	defer rows.Close()
	if _, err := io.Copy(envBuf, tr.reader(rows, rowsBuf.Size(), "rows")); err != nil {
		return fmt.Errorf("copying spooled rows: %w", err)
	}

	if err := enc.WriteSequences(seqs); err != nil {
		return err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return enc.WriteTrailer(artifact.Trailer{Tables: counts, Rows: total})
}

// pipe streams src through fn into dst, reporting bytes consumed from src.
func (o *Orchestrator) pipe(src, dst SpoolBuffer, tr *tracker, detail string, fn func(io.Reader, io.Writer) error) error {
	r, err := src.Open()
	if err != nil {
		return err
	}
	err = fn(tr.reader(r, src.Size(), detail), dst)
	r.Close()
	if err != nil {
		return err
	}
	return src.Discard()
}
