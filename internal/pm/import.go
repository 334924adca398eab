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

// StartImport begins restoring the store from the artifact at sourcePath.
// The file must be readable and start with a recognized artifact header;
// those checks happen before StartImport returns.
// The restore replaces all application data in one transaction: on failure or
// cancellation the store is left exactly as it was.
func (o *Orchestrator) StartImport(ctx context.Context, sourcePath string, opts ImportOptions) (*Handle, error) {
	if opts.Decryptor == nil {
		return nil, errors.New("import requires a decryptor")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	absPath, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolving import path: %w", err)
	}

	op, err := o.acquire(KindImport)
	if err != nil {
		return nil, err
	}

	f, size, err := o.fsmgr.Open(absPath)
	if err != nil {
		o.release(op)
		return nil, &IOError{Op: "import", Path: absPath, Err: err}
	}
	header, rawHeader, err := artifact.ReadHeader(f)
	if err != nil {
		f.Close()
		o.release(op)
		if isArtifactFormatError(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArtifact, absPath, err)
		}
		return nil, &IOError{Op: "import", Path: absPath, Err: err}
	}
	if header.Cipher != opts.Decryptor.Cipher() {
		f.Close()
		o.release(op)
		return nil, fmt.Errorf("artifact is encrypted with %s, but the key provided is for %s", header.Cipher, opts.Decryptor.Cipher())
	}

	tr := newTracker(op, o.clock)
	rec := &OperationRecord{ID: op.id, Kind: KindImport, Status: StatusRunning, Path: absPath, StartedAt: o.clock.Now()}
	return o.launch(ctx, op, tr, opts.Observer, rec, func(ctx context.Context, res *Result) error {
		defer f.Close()
		return o.runImport(ctx, op, tr, absPath, f, size, header, rawHeader, opts, res)
	}), nil
}

func isArtifactFormatError(err error) bool {
	return errors.Is(err, artifact.ErrNotArtifact) ||
		errors.Is(err, artifact.ErrUnsupportedVersion) ||
		errors.Is(err, artifact.ErrMalformed)
}

func (o *Orchestrator) runImport(ctx context.Context, op *operation, tr *tracker, source string, f io.Reader, size int64, header artifact.Header, rawHeader []byte, opts ImportOptions, res *Result) error {
	bufs := &buffers{spool: o.spool, opID: op.id}
	defer bufs.discard()

	// read
	tr.enter(PhaseRead, source)
	cipherBuf, err := bufs.create("ciphertext")
	if err != nil {
		return err
	}
	if _, err := io.Copy(cipherBuf, tr.reader(f, size-int64(len(rawHeader)), source)); err != nil {
		return &IOError{Op: "read", Path: source, Err: err}
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// decrypt: the whole payload is authenticated before anything is decompressed
	tr.enter(PhaseDecrypt, header.Cipher.String())
	plainBuf, err := bufs.create("plaintext")
	if err != nil {
		return err
	}
	if err := o.pipe(cipherBuf, plainBuf, tr, "", func(r io.Reader, w io.Writer) error {
		if err := opts.Decryptor.Decrypt(r, w); err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("decrypting payload: %w", err)
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// decompress
	tr.enter(PhaseDecompress, header.Compression.String())
	envBuf, err := bufs.create("envelope")
	if err != nil {
		return err
	}
	if err := o.decompress(tr, header, rawHeader, plainBuf, envBuf); err != nil {
		return err
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// deserialize
	tr.enter(PhaseDeserialize, "")
	sum, err := o.deserialize(tr, header, envBuf)
	if err != nil {
		return err
	}
	if err := o.checkSchema(sum.Schema, opts.AllowOlderSchema); err != nil {
		return err
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// restoreSchema
	tr.enter(PhaseRestoreSchema, "")
	rs, err := o.store.BeginRestore(ctx)
	if err != nil {
		return fmt.Errorf("beginning restore: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := rs.Rollback(); err != nil {
			o.logger.Error("rolling back restore", "operation", op.id, "error", err)
		}
	}()

	if err := rs.ReplaceSchema(ctx, sum.Schema); err != nil {
		return fmt.Errorf("restoring schema: %w", err)
	}
	tr.advance(1, 1, fmt.Sprintf("%d tables", len(sum.Schema.Tables)))
	if err := op.checkpoint(); err != nil {
		return err
	}

	// restoreTable
	rows, err := o.restoreTables(ctx, op, tr, rs, sum.Schema, envBuf, opts.ChunkSize)
	if err != nil {
		return err
	}
	tr.advance(rows, rows, "indexes, triggers and views")
	if err := rs.CreateObjects(ctx, sum.Schema); err != nil {
		return fmt.Errorf("restoring indexes, triggers and views: %w", err)
	}
	if err := op.checkpoint(); err != nil {
		return err
	}

	// restoreSequences
	tr.enter(PhaseRestoreSequences, "")
	if err := rs.SetSequences(ctx, sum.Sequences); err != nil {
		return fmt.Errorf("restoring sequences: %w", err)
	}
	if err := op.checkpoint(); err != nil {
		return err
	}
	// commit is never interrupted
	if err := rs.Commit(); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}
	committed = true
	tr.advance(1, 1, "committed")

	res.FilePath = source
	res.SizeBytes = size
	res.Rows = rows
	for _, t := range sum.Schema.Tables {
		if !t.LocalOnly {
			res.Tables++
		}
	}
	res.RestartRequired = true
	return nil
}

// decompress checks the authenticated header copy at the start of the
// plaintext, then decompresses the rest into envBuf.
func (o *Orchestrator) decompress(tr *tracker, header artifact.Header, rawHeader []byte, plainBuf, envBuf SpoolBuffer) error {
	r, err := plainBuf.Open()
	if err != nil {
		return fmt.Errorf("opening plaintext: %w", err)
	}
	defer r.Close()

	inner := make([]byte, len(rawHeader))
	if _, err := io.ReadFull(r, inner); err != nil || !bytes.Equal(inner, rawHeader) {
		return fmt.Errorf("%w: artifact header does not match its authenticated copy", ErrIntegrity)
	}

	body := tr.reader(r, plainBuf.Size()-int64(len(inner)), header.Compression.String())
	if err := artifact.Decompress(header.Compression, body, envBuf); err != nil {
		if errors.Is(err, artifact.ErrMalformed) {
			return fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
		}
		return fmt.Errorf("decompressing payload: %w", err)
	}
	return nil
}

// deserialize decodes and validates the whole envelope without keeping rows in memory.
func (o *Orchestrator) deserialize(tr *tracker, header artifact.Header, envBuf SpoolBuffer) (*artifact.Summary, error) {
	r, err := envBuf.Open()
	if err != nil {
		return nil, fmt.Errorf("opening envelope: %w", err)
	}
	defer r.Close()

	sum, err := artifact.Scan(tr.reader(r, envBuf.Size(), ""), nil)
	if err != nil {
		if isArtifactFormatError(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
		}
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	if uint32(sum.Schema.Version) != header.SchemaVersion {
		return nil, fmt.Errorf("%w: envelope schema version %d does not match header %d",
			ErrInvalidArtifact, sum.Schema.Version, header.SchemaVersion)
	}
	return sum, nil
}

// checkSchema decides whether an artifact's schema can be restored here.
// Newer and dirty schemas are always rejected; older ones only when allowed.
func (o *Orchestrator) checkSchema(s *model.Schema, allowOlder bool) error {
	want, err := o.store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("reading store schema version: %w", err)
	}
	switch {
	case s.Dirty:
		return fmt.Errorf("%w: artifact was exported from a store with a failed migration (version %d)", ErrSchemaMismatch, s.Version)
	case s.Version > want:
		return fmt.Errorf("%w: artifact schema version %d is newer than this application's %d", ErrSchemaMismatch, s.Version, want)
	case s.Version < want && !allowOlder:
		return fmt.Errorf("%w: artifact schema version %d is older than this application's %d", ErrSchemaMismatch, s.Version, want)
	case s.Version < want:
		o.logger.Warn("restoring older schema; migrate before use", "artifact_version", s.Version, "app_version", want)
	}
	return nil
}

// restoreTables inserts every rows record of the envelope, in file order, in
// batches of at most chunkSize rows. Export writes tables in foreign-key-safe order.
func (o *Orchestrator) restoreTables(ctx context.Context, op *operation, tr *tracker, rs Restorer, schema *model.Schema, envBuf SpoolBuffer, chunkSize int) (int64, error) {
	total := schema.TotalRows()
	tr.enter(PhaseRestoreTable, "")
	tr.advance(0, total, "")

	r, err := envBuf.Open()
	if err != nil {
		return 0, fmt.Errorf("opening envelope: %w", err)
	}
	defer r.Close()

	er := artifact.NewEnvelopeReader(r)
	var done int64
	for {
		rec, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return done, fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
		}
		if rec.Type != artifact.RecordRows {
			continue
		}
		table := schema.Table(rec.Table)
		for start := 0; start < len(rec.Rows); start += chunkSize {
			batch := rec.Rows[start:min(start+chunkSize, len(rec.Rows))]
			if err := rs.InsertRows(ctx, table, batch); err != nil {
				return done, fmt.Errorf("restoring %s: %w", table.Name, err)
			}
			done += int64(len(batch))
			tr.advance(min(done, total), total, table.Name)
			if err := op.checkpoint(); err != nil {
				return done, err
			}
		}
	}
	return done, nil
}
