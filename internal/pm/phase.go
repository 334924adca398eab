package pm

// Kind is the direction of an operation.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

// Phase is one step of an export or import pipeline.
type Phase string

const (
	PhasePrepare Phase = "prepare"

	PhaseSnapshotSchema    Phase = "snapshotSchema"
	PhaseSnapshotTable     Phase = "snapshotTable"
	PhaseSnapshotSequences Phase = "snapshotSequences"
	PhaseSerialize         Phase = "serialize"
	PhaseCompress          Phase = "compress"
	PhaseEncrypt           Phase = "encrypt"
	PhaseWrite             Phase = "write"

	PhaseRead             Phase = "read"
	PhaseDecrypt          Phase = "decrypt"
	PhaseDecompress       Phase = "decompress"
	PhaseDeserialize      Phase = "deserialize"
	PhaseRestoreSchema    Phase = "restoreSchema"
	PhaseRestoreTable     Phase = "restoreTable"
	PhaseRestoreSequences Phase = "restoreSequences"

	PhaseComplete Phase = "complete"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further updates follow a status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// phaseWeight is a phase's share of the overall percent.
type phaseWeight struct {
	phase  Phase
	weight int
}

// Phase order and weights. Weights sum to 100 and roughly follow where time goes
// for a typical store: row work dominates, then the byte-stream stages.
var (
	exportPhases = []phaseWeight{
		{PhasePrepare, 2},
		{PhaseSnapshotSchema, 3},
		{PhaseSnapshotTable, 45},
		{PhaseSnapshotSequences, 2},
		{PhaseSerialize, 10},
		{PhaseCompress, 15},
		{PhaseEncrypt, 15},
		{PhaseWrite, 8},
	}
	importPhases = []phaseWeight{
		{PhasePrepare, 2},
		{PhaseRead, 8},
		{PhaseDecrypt, 15},
		{PhaseDecompress, 10},
		{PhaseDeserialize, 10},
		{PhaseRestoreSchema, 5},
		{PhaseRestoreTable, 45},
		{PhaseRestoreSequences, 5},
	}
)

// Phases returns the ordered pipeline phases for a kind, ending with PhaseComplete.
func Phases(kind Kind) []Phase {
	src := exportPhases
	if kind == KindImport {
		src = importPhases
	}
	out := make([]Phase, 0, len(src)+1)
	for _, p := range src {
		out = append(out, p.phase)
	}
	return append(out, PhaseComplete)
}
