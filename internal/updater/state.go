package updater

// State is a step of the update flow.
type State int

const (
	Idle State = iota
	CheckingVersion
	UpToDate
	Downloading
	ExtractingInPlace
	ReconcilingConfig
	RestartRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingVersion:
		return "checking_version"
	case UpToDate:
		return "up_to_date"
	case Downloading:
		return "downloading"
	case ExtractingInPlace:
		return "extracting"
	case ReconcilingConfig:
		return "reconciling_config"
	case RestartRequested:
		return "restart_requested"
	default:
		return "unknown"
	}
}

// Busy reports whether s is part of an update in progress, i.e. one that
// has committed to downloading.
func (s State) Busy() bool {
	switch s {
	case Downloading, ExtractingInPlace, ReconcilingConfig, RestartRequested:
		return true
	}
	return false
}
