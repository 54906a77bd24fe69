// Package rpc defines the wire protocol between the core and a builder
// agent: a single bidirectional gRPC stream multiplexing a small set of
// JSON-encoded message kinds, rather than one stream per RPC method. A
// .proto file documents the same shapes for anyone generating a client in
// another language, but nothing in this module is compiled from it.
package rpc

import "time"

// ProtoAPIVersion is the protocol version the core advertises and requires
// an agent to match bit-for-bit during handshake.
const ProtoAPIVersion = "2"

// Kind discriminates which field of an Envelope is populated.
type Kind string

const (
	KindJoin        Kind = "join"
	KindJoinAck     Kind = "join_ack"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindBuild       Kind = "build"
	KindStepStatus  Kind = "step_status"
	KindResult      Kind = "result"
	KindAbort       Kind = "abort"
)

// Envelope is the single message type ever sent over the session stream;
// exactly one of the pointer fields is non-nil, selected by Kind. This
// stands in for a protobuf `oneof` without requiring a compiled schema.
type Envelope struct {
	Kind Kind `json:"kind"`

	Join       *JoinMessage       `json:"join,omitempty"`
	JoinAck    *JoinAckMessage    `json:"joinAck,omitempty"`
	Ping       *PingMessage       `json:"ping,omitempty"`
	Pong       *PongMessage       `json:"pong,omitempty"`
	Build      *BuildCommand      `json:"build,omitempty"`
	StepStatus *StepStatusMessage `json:"stepStatus,omitempty"`
	Result     *BuildResultMessage `json:"result,omitempty"`
	Abort      *AbortMessage      `json:"abort,omitempty"`
}

// JoinMessage is the first message an agent must send on stream open.
type JoinMessage struct {
	Hostname          string   `json:"hostname"`
	Systems           []string `json:"systems"`
	SupportedFeatures []string `json:"supportedFeatures"`
	MandatoryFeatures []string `json:"mandatoryFeatures"`
	SpeedFactor       float64  `json:"speedFactor"`
	MaxJobs           int32    `json:"maxJobs"`
	ProtocolVersion   string   `json:"protocolVersion"`
}

// JoinAckMessage is the core's reply to a successful Join. Rejected,
// version-mismatched joins instead close the stream with a distinguished
// status (see ErrProtocolMismatchCode in internal/buildersession) and never
// send a JoinAckMessage.
type JoinAckMessage struct {
	PingInterval time.Duration `json:"pingInterval"`
}

// PingMessage is the agent's periodic heartbeat, carrying the pressure
// signals the dispatcher throttles on.
type PingMessage struct {
	FreeSpacePercent float64 `json:"freeSpacePercent"`
	Load1            float64 `json:"load1"`
	CPUPressure      float64 `json:"cpuPressure"`
	MemPressure      float64 `json:"memPressure"`
	IOPressure       float64 `json:"ioPressure"`
	InFlight         int32   `json:"inFlight"`
}

// PongMessage acknowledges a ping; agents don't require it but it allows
// round-trip-time measurement.
type PongMessage struct{}

// BuildCommand is sent core -> agent to start a step.
type BuildCommand struct {
	DrvPath       string   `json:"drvPath"`
	InputDrvs     []string `json:"inputDrvs"`
	UseSubstitutes bool    `json:"useSubstitutes"`
	MaxSilentTime int      `json:"maxSilentTime"`
	Timeout       int      `json:"timeout"`
	MaxLogSize    int64    `json:"maxLogSize"`
}

// AbortMessage is sent core -> agent to cancel an in-progress step.
type AbortMessage struct {
	DrvPath string `json:"drvPath"`
}

// StepStatusMessage reports a transition through the build's local phases.
type StepStatusMessage struct {
	DrvPath string `json:"drvPath"`
	Phase   string `json:"phase"` // Preparing, Connecting, SendingInputs, Building, WaitingForLocalSlot, ReceivingOutputs, PostProcessing
}

// BuildResultMessage is the terminal agent -> core message for a step.
type BuildResultMessage struct {
	DrvPath          string            `json:"drvPath"`
	Status           int               `json:"status"`
	StartTime        time.Time         `json:"startTime"`
	StopTime         time.Time         `json:"stopTime"`
	ErrorMessage     string            `json:"errorMessage"`
	LogRemoteKey     string            `json:"logRemoteKey"`
	Overhead         int64             `json:"overhead"`
	TimesBuilt       int32             `json:"timesBuilt"`
	NonDeterministic bool              `json:"nonDeterministic"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	OutputSizes      map[string]int64  `json:"outputSizes,omitempty"`
}
