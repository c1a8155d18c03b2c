package messaging

// Methods understood by the sandboxed host process.
const (
	MethodRun                = "Container.Run"
	MethodStopAllProcesses   = "Container.StopAllProcesses"
	MethodProcessKill        = "Process.Kill"
	MethodProcessRequestExit = "Process.RequestExit"
	MethodProcessInfo        = "Process.Info"
)

// Notifications emitted by the sandboxed host process.
const (
	MethodProcessOutput = "Process.Output"
	MethodProcessExited = "Process.Exited"
)

// Output stream names carried in ProcessOutputParams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// StopAllProcessesParams asks the host to stop every process it started.
// Timeout is in seconds and bounds how long the host waits for cooperative
// exit before it kills; zero kills immediately.
type StopAllProcessesParams struct {
	Timeout int `cbor:"timeout"`
}

// RunParams is the run-spec forwarded to the host. Key, when set, is used as
// the process key so the caller can route notifications that race the reply.
type RunParams struct {
	Key                 string            `cbor:"key,omitempty"`
	ExecutablePath      string            `cbor:"executablePath"`
	Arguments           []string          `cbor:"arguments,omitempty"`
	Environment         map[string]string `cbor:"environment,omitempty"`
	WorkingDirectory    string            `cbor:"workingDirectory,omitempty"`
	BufferedInputOutput bool              `cbor:"bufferedInputOutput,omitempty"`
}

// RunResult identifies a process started by the host. Key is the host's
// handle for the process and addresses every later Process.* call.
type RunResult struct {
	Key string `cbor:"key"`
	PID int    `cbor:"pid"`
}

// ProcessParams addresses a single host process.
type ProcessParams struct {
	Key string `cbor:"key"`
}

// ProcessInfoResult reports the live state of a host process.
type ProcessInfoResult struct {
	PID         int    `cbor:"pid"`
	MemoryBytes uint64 `cbor:"memoryBytes"`
	Exited      bool   `cbor:"exited"`
	ExitCode    int    `cbor:"exitCode"`
	Stdout      string `cbor:"stdout,omitempty"`
	Stderr      string `cbor:"stderr,omitempty"`
}

// ProcessOutputParams carries one line of output from a host process.
type ProcessOutputParams struct {
	Key    string `cbor:"key"`
	Stream string `cbor:"stream"`
	Data   string `cbor:"data"`
}

// ProcessExitedParams reports that a host process has exited. It is sent
// after every output notification for that process. Buffered processes carry
// their captured output here.
type ProcessExitedParams struct {
	Key      string `cbor:"key"`
	ExitCode int    `cbor:"exitCode"`
	Stdout   string `cbor:"stdout,omitempty"`
	Stderr   string `cbor:"stderr,omitempty"`
}
