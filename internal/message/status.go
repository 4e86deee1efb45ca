package message

// ProcessState is the composite liveness verdict for an identity.
type ProcessState string

const (
	ProcessStopped      ProcessState = "Stopped"
	ProcessStale        ProcessState = "Stale"
	ProcessUnresponsive ProcessState = "Unresponsive"
	ProcessRunning      ProcessState = "Running"
)

// PIDFileState describes the registry entry as seen by the prober.
type PIDFileState string

const (
	PIDFileMissing PIDFileState = "Missing"
	PIDFileInvalid PIDFileState = "Invalid"
	PIDFileValid   PIDFileState = "Valid"
	PIDFileStale   PIDFileState = "Stale"
)

// Detection sources.
const (
	DetectedByPing    = "ping"
	DetectedByPIDFile = "pidfile"
)

// Status is computed on demand and never persisted.
type Status struct {
	Identity     string       `json:"identity"`
	PID          *int         `json:"pid"`
	ProcessState ProcessState `json:"processState"`
	PIDFileState PIDFileState `json:"pidFileState"`
	Reported     string       `json:"reported,omitempty"`
	DetectedBy   string       `json:"detectedBy,omitempty"`
}

// Alive reports whether some process is known to hold the identity.
func (s Status) Alive() bool {
	return s.ProcessState == ProcessRunning || s.ProcessState == ProcessUnresponsive
}

// PIDValue returns the PID or 0.
func (s Status) PIDValue() int {
	if s.PID == nil {
		return 0
	}
	return *s.PID
}

// IntPtr returns a pointer to a copy of v, or nil for zero.
func IntPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// Check converts a verdict into an error from the taxonomy, or nil when the
// identity is Running. It lets callers treat a status query as a health
// check.
func (s Status) Check() error {
	switch {
	case s.ProcessState == ProcessRunning:
		return nil
	case s.ProcessState == ProcessUnresponsive:
		return Errorf(KindProbeTimeout, "%s (pid %d) did not answer ping", s.Identity, s.PIDValue()).WithPID(s.PIDValue())
	case s.PIDFileState == PIDFileInvalid:
		return Errorf(KindPidFileInvalid, "%s: lock file is unparsable", s.Identity)
	case s.PIDFileState == PIDFileMissing:
		return Errorf(KindPidFileMissing, "%s has no lock file", s.Identity)
	default:
		return Errorf(KindNotRunning, "%s is %s", s.Identity, s.ProcessState)
	}
}
