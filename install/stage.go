package install

// Stage is the coarse position of an installation.
type Stage string

const (
	StageFormatting  Stage = "formatting"
	StageDownloading Stage = "downloading"
	StageInstalling  Stage = "installing"
	StageConfiguring Stage = "configuring"
	StageCompleted   Stage = "completed"
	StageError       Stage = "error"
)

// stageOrder is the forward order of non-error stages. Downloading is kept
// in the sequence for callers that fetch images before installing; the
// orchestrator itself never enters it.
var stageOrder = map[Stage]int{
	StageFormatting:  0,
	StageDownloading: 1,
	StageInstalling:  2,
	StageConfiguring: 3,
	StageCompleted:   4,
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// CanTransition reports whether moving from s to next is legal: strictly
// forward through the stage order, or to error from any live stage.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageError {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	return ok && to > from
}

func (s Stage) String() string {
	return string(s)
}
