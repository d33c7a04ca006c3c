package persistentworker

// WorkRequest represents a single work request for the persistent worker.
// See https://bazel.build/remote/creating for the protocol specification.
type WorkRequest struct {
	Arguments []string
	Inputs    []Input
	// RequestID 0 marks a singleplex request: the peer keeps at most one outstanding.
	RequestID int32
	// Cancel marks this message as a cancellation of the active request RequestID.
	Cancel     bool
	Verbosity  int32
	SandboxDir string
}

// WorkResponse represents the response to a work request.
type WorkResponse struct {
	ExitCode     int32
	Output       string
	RequestID    int32
	WasCancelled bool
}

// Input represents a single input file with its path and content digest.
type Input struct {
	Path   string
	Digest []byte
}

// Exit codes the engine itself places in responses.
const (
	// ExitCodeFailure is reported when the handler returns an error or panics.
	ExitCodeFailure = -1
	// ExitCodeShutdown is reported for requests still active when the worker shuts down.
	ExitCodeShutdown = 2
)
