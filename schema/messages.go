package schema

import "encoding/json"

// MessageKind names one message type on the hub channel. The catalogue is
// closed: the dispatcher switches over every kind and treats anything else
// as a protocol error rather than a silent no-op.
type MessageKind string

// Hub to agent.
const (
	// KindRegistered acknowledges a registration. RecoveryMode asks the
	// agent to push a full state snapshot for reconciliation.
	KindRegistered MessageKind = "registered"
	// KindTabCreate opens a new tab window.
	KindTabCreate MessageKind = "tab.create"
	// KindTabInput forwards keystrokes to a tab.
	KindTabInput MessageKind = "tab.input"
	// KindTabResize resizes a tab window.
	KindTabResize MessageKind = "tab.resize"
	// KindTabClose closes a tab permanently.
	KindTabClose MessageKind = "tab.close"
	// KindTabAttach requests buffered history replay for a tab.
	KindTabAttach MessageKind = "tab.attach"
	// KindBufferRequest requests the last N buffered lines of a tab.
	KindBufferRequest MessageKind = "buffer.request"
	// KindEnvUpdate pushes the complete desired environment variable set.
	KindEnvUpdate MessageKind = "env.update"
	// KindGitStatus requests repository status from the workspace.
	KindGitStatus MessageKind = "git.status"
	// KindContainerInfo requests container introspection data.
	KindContainerInfo MessageKind = "container.info"
	// KindVPNStatus requests VPN connectivity status.
	KindVPNStatus MessageKind = "vpn.status"
	// KindFileUpload delivers an ephemeral file to the workspace.
	KindFileUpload MessageKind = "file.upload"
	// KindStateRequest asks for a state snapshot outside of recovery.
	KindStateRequest MessageKind = "state.request"
)

// Agent to hub.
const (
	// KindRegister carries the agent's identity, credential, and version.
	KindRegister MessageKind = "register"
	// KindTabCreated replies to tab.create with the assigned window index.
	KindTabCreated MessageKind = "tab.created"
	// KindTabOutput carries captured output for a tab (unsolicited).
	KindTabOutput MessageKind = "tab.output"
	// KindTabEnded reports that a tab's process exited (unsolicited).
	KindTabEnded MessageKind = "tab.ended"
	// KindBufferChunk replies to buffer.request or tab.attach.
	KindBufferChunk MessageKind = "buffer.chunk"
	// KindEnvApplied replies to env.update with diff counts.
	KindEnvApplied MessageKind = "env.applied"
	// KindGitStatusResult replies to git.status.
	KindGitStatusResult MessageKind = "git.status.result"
	// KindContainerInfoResult replies to container.info.
	KindContainerInfoResult MessageKind = "container.info.result"
	// KindVPNStatusResult replies to vpn.status.
	KindVPNStatusResult MessageKind = "vpn.status.result"
	// KindFileUploadResult replies to file.upload.
	KindFileUploadResult MessageKind = "file.upload.result"
	// KindStateSnapshot carries the full tab roster for reconciliation.
	KindStateSnapshot MessageKind = "state.snapshot"
	// KindHeartbeat carries the periodic roster and process metrics.
	KindHeartbeat MessageKind = "heartbeat"
	// KindCommandFailed replies to a command that could not be decoded or
	// dispatched at all.
	KindCommandFailed MessageKind = "command.failed"
)

// Envelope frames every message on the hub channel. RequestID is chosen by
// the hub for commands that expect a reply; the agent echoes it verbatim so
// the hub can correlate replies under pipelining.
type Envelope struct {
	Kind      MessageKind     `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload produces an
// envelope with no payload field.
func NewEnvelope(kind MessageKind, requestID string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = data
	return env, nil
}

// Result reports per-request success. Embedded in every reply payload.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OK is a successful Result.
func OK() Result { return Result{Success: true} }

// Failure builds a failed Result from an error.
func Failure(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{Success: false, Error: err.Error()}
}

// RegisterPayload authenticates the agent at connect time.
type RegisterPayload struct {
	AgentID    AgentID `json:"agent_id"`
	Token      string  `json:"token"`
	Version    string  `json:"version"`
	InstanceID string  `json:"instance_id"`
}

// RegisteredPayload acknowledges registration.
type RegisteredPayload struct {
	RecoveryMode bool `json:"recovery_mode"`
}

// TabCreatePayload opens a tab. Command is the argv to launch; empty means
// the window keeps its default shell.
type TabCreatePayload struct {
	TabID   TabID    `json:"tab_id"`
	Command []string `json:"command,omitempty"`
}

// TabCreatedPayload replies to tab.create.
type TabCreatedPayload struct {
	Result
	TabID       TabID       `json:"tab_id"`
	WindowIndex WindowIndex `json:"window_index"`
}

// TabInputPayload forwards keystrokes.
type TabInputPayload struct {
	TabID TabID  `json:"tab_id"`
	Data  string `json:"data"`
}

// TabResizePayload resizes a tab window.
type TabResizePayload struct {
	TabID TabID `json:"tab_id"`
	Cols  int   `json:"cols"`
	Rows  int   `json:"rows"`
}

// TabClosePayload closes a tab.
type TabClosePayload struct {
	TabID TabID `json:"tab_id"`
}

// TabAttachPayload requests history replay for a tab.
type TabAttachPayload struct {
	TabID TabID `json:"tab_id"`
}

// BufferRequestPayload requests the last Lines buffered lines. Lines <= 0
// means all currently buffered lines.
type BufferRequestPayload struct {
	TabID TabID `json:"tab_id"`
	Lines int   `json:"lines"`
}

// BufferChunkPayload carries buffered lines, oldest first.
type BufferChunkPayload struct {
	Result
	TabID TabID    `json:"tab_id"`
	Lines []string `json:"lines"`
}

// TabOutputPayload carries raw captured output.
type TabOutputPayload struct {
	TabID TabID  `json:"tab_id"`
	Data  string `json:"data"`
}

// TabEndedPayload reports tab exit.
type TabEndedPayload struct {
	TabID    TabID `json:"tab_id"`
	ExitCode int   `json:"exit_code"`
}

// EnvUpdatePayload carries the complete desired environment.
type EnvUpdatePayload struct {
	Env map[string]string `json:"env"`
}

// EnvAppliedPayload replies to env.update with diff counts.
type EnvAppliedPayload struct {
	Result
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// GitStatusRequestPayload requests repository status. Dir defaults to the
// configured workspace directory.
type GitStatusRequestPayload struct {
	Dir string `json:"dir,omitempty"`
}

// GitStatusResultPayload replies to git.status.
type GitStatusResultPayload struct {
	Result
	Branch      string   `json:"branch,omitempty"`
	Remotes     []string `json:"remotes,omitempty"`
	StatusLines []string `json:"status_lines,omitempty"`
	Ahead       int      `json:"ahead"`
	Behind      int      `json:"behind"`
	Clean       bool     `json:"clean"`
}

// ContainerInfoResultPayload replies to container.info.
type ContainerInfoResultPayload struct {
	Result
	Hostname       string `json:"hostname,omitempty"`
	CPUCount       int    `json:"cpu_count"`
	MemoryLimit    int64  `json:"memory_limit_bytes,omitempty"`
	MemoryCurrent  int64  `json:"memory_current_bytes,omitempty"`
	DiskTotalBytes uint64 `json:"disk_total_bytes,omitempty"`
	DiskFreeBytes  uint64 `json:"disk_free_bytes,omitempty"`
	DockerVersion  string `json:"docker_version,omitempty"`
}

// VPNStatusResultPayload replies to vpn.status. Raw carries the tool's JSON
// output verbatim when available.
type VPNStatusResultPayload struct {
	Result
	Running bool   `json:"running"`
	Backend string `json:"backend,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

// FileUploadPayload delivers an ephemeral file.
type FileUploadPayload struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64"`
}

// FileUploadResultPayload replies to file.upload with the staged path.
type FileUploadResultPayload struct {
	Result
	Path string `json:"path,omitempty"`
}

// StateSnapshotPayload carries the full tab roster.
type StateSnapshotPayload struct {
	Tabs []TabState `json:"tabs"`
}

// HeartbeatPayload carries the periodic roster and process metrics.
type HeartbeatPayload struct {
	Tabs           []TabState `json:"tabs"`
	UptimeSeconds  int64      `json:"uptime_seconds"`
	MemoryRSSBytes int64      `json:"memory_rss_bytes"`
	Version        string     `json:"version,omitempty"`
}

// CommandFailedPayload replies to an undecodable or unknown command.
type CommandFailedPayload struct {
	Result
	Kind MessageKind `json:"kind,omitempty"`
}
