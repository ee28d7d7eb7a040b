// Package envelope defines the canonical EventEnvelope shape shared by every
// producer (KernelSource, ProxySource, NetProxySource) and consumed by the
// Collector and EventStore. An envelope's eventType determines the shape of
// its data payload — a tagged union, not an ad-hoc map — so each payload
// variant gets its own typed struct with envelope-boundary validation.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Producer identifies which Observation Core source emitted an envelope.
type Producer string

const (
	ProducerAgentCore Producer = "agent-core"
	ProducerProxy      Producer = "proxy"
	ProducerMitm       Producer = "mitm"
)

// EventType is the discriminant of the data tagged union.
type EventType string

const (
	EventProcess  EventType = "Process"
	EventFile     EventType = "File"
	EventNetwork  EventType = "Network"
	EventMCP      EventType = "MCP"
	EventProxyLog EventType = "ProxyLog"
)

// Task enumerates the per-eventType operation discriminants used across the
// Process, File, Network, and MCP payloads.
type Task string

const (
	TaskStart  Task = "Start"
	TaskStop   Task = "Stop"
	TaskCreate Task = "CREATE"
	TaskWrite  Task = "WRITE"
	TaskRead   Task = "READ"
	TaskDelete Task = "DELETE"
	TaskRename Task = "RENAME"
	TaskClose  Task = "CLOSE"
	TaskDirEnum Task = "DIRENUM"
	TaskSend   Task = "SEND"
	TaskRecv   Task = "RECV"
	TaskConnect Task = "CONNECT"
)

// ParentRef identifies the parent process of a tracked PID in a ProcessData
// payload.
type ParentRef struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// ProcessData is the payload for EventProcess envelopes.
type ProcessData struct {
	Task          Task      `json:"task"`
	PID           int       `json:"pid"`
	PName         string    `json:"pname"`
	Parent        ParentRef `json:"parent"`
	ImageFilename string    `json:"imageFilename"`
	CommandLine   string    `json:"commandLine"`
	McpTag        string    `json:"mcpTag"`
}

// FileData is the payload for EventFile envelopes. OldPath/NewPath/Size are
// only populated for RENAME (OldPath/NewPath) or when the source provides a
// byte count; RepeatCount is set by NoiseFilter when a burst collapses.
type FileData struct {
	Task        Task   `json:"task"`
	PID         int    `json:"pid"`
	FilePath    string `json:"filePath"`
	McpTag      string `json:"mcpTag"`
	RepeatCount int    `json:"repeatCount,omitempty"`
	OldPath     string `json:"oldPath,omitempty"`
	NewPath     string `json:"newPath,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// NetworkData is the payload for EventNetwork envelopes.
type NetworkData struct {
	Task      Task   `json:"task"`
	PID       int    `json:"pid"`
	PName     string `json:"pname"`
	McpTag    string `json:"mcpTag"`
	TransPort string `json:"transPort"`
	Src       string `json:"src"`
	SPort     int    `json:"sport"`
	Dst       string `json:"dst"`
	DPort     int    `json:"dport"`
	Bytes     int64  `json:"bytes"`
}

// MCPData is the payload for EventMCP envelopes — one JSON-RPC frame observed
// crossing a stdio or tcp transport.
type MCPData struct {
	Task      Task           `json:"task"`
	Transport string         `json:"transport"`
	Src       string         `json:"src"`
	Dst       string         `json:"dst"`
	Message   map[string]any `json:"message"`
}

// ProxyLogData is the payload for EventProxyLog envelopes — out-of-band proxy
// lifecycle notices (child exit code, stderr lines) that are not themselves
// JSON-RPC traffic.
type ProxyLogData struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Envelope is the canonical outer event shape. Data holds one of the typed
// payload structs above, selected by EventType. Use NewXxx constructors
// below to build a well-formed Envelope; Validate enforces the tagged-union
// invariant that EventType and the concrete type of Data agree.
type Envelope struct {
	TS       int64     `json:"ts"`
	Producer Producer  `json:"producer"`
	PID      int       `json:"pid"`
	PName    string    `json:"pname"`
	Type     EventType `json:"eventType"`
	Data     any       `json:"data"`
}

// Now returns nanoseconds since the Unix epoch, the clock used for every
// envelope's ts field. It is monotonic within a single producer process but
// not synchronized across producers (§5).
func Now() int64 {
	return time.Now().UnixNano()
}

func New(producer Producer, pid int, pname string, typ EventType, data any) Envelope {
	return Envelope{TS: Now(), Producer: producer, PID: pid, PName: pname, Type: typ, Data: data}
}

func NewProcess(producer Producer, pid int, pname string, data ProcessData) Envelope {
	return New(producer, pid, pname, EventProcess, data)
}

func NewFile(producer Producer, pid int, pname string, data FileData) Envelope {
	return New(producer, pid, pname, EventFile, data)
}

func NewNetwork(producer Producer, pid int, pname string, data NetworkData) Envelope {
	return New(producer, pid, pname, EventNetwork, data)
}

func NewMCP(producer Producer, pid int, pname string, data MCPData) Envelope {
	return New(producer, pid, pname, EventMCP, data)
}

func NewProxyLog(producer Producer, pid int, pname string, data ProxyLogData) Envelope {
	return New(producer, pid, pname, EventProxyLog, data)
}

// Validate checks that Data's concrete type matches Type, the tagged-union
// invariant from §3/§9. It is called at every envelope boundary: before
// Marshal and after Unmarshal.
func (e Envelope) Validate() error {
	switch e.Type {
	case EventProcess:
		if _, ok := e.Data.(ProcessData); !ok {
			return fmt.Errorf("envelope: eventType %q requires ProcessData, got %T", e.Type, e.Data)
		}
	case EventFile:
		if _, ok := e.Data.(FileData); !ok {
			return fmt.Errorf("envelope: eventType %q requires FileData, got %T", e.Type, e.Data)
		}
	case EventNetwork:
		if _, ok := e.Data.(NetworkData); !ok {
			return fmt.Errorf("envelope: eventType %q requires NetworkData, got %T", e.Type, e.Data)
		}
	case EventMCP:
		if _, ok := e.Data.(MCPData); !ok {
			return fmt.Errorf("envelope: eventType %q requires MCPData, got %T", e.Type, e.Data)
		}
	case EventProxyLog:
		if _, ok := e.Data.(ProxyLogData); !ok {
			return fmt.Errorf("envelope: eventType %q requires ProxyLogData, got %T", e.Type, e.Data)
		}
	default:
		return fmt.Errorf("envelope: unknown eventType %q", e.Type)
	}
	return nil
}

// Marshal validates and JSON-encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// wireEnvelope mirrors Envelope but keeps Data as raw JSON so Unmarshal can
// decode it into the correct concrete type once Type is known.
type wireEnvelope struct {
	TS       int64           `json:"ts"`
	Producer Producer        `json:"producer"`
	PID      int             `json:"pid"`
	PName    string          `json:"pname"`
	Type     EventType       `json:"eventType"`
	Data     json.RawMessage `json:"data"`
}

// Unmarshal decodes b into an Envelope, dispatching Data into the typed
// payload struct selected by eventType, and validates the result.
func Unmarshal(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal outer: %w", err)
	}

	e := Envelope{TS: w.TS, Producer: w.Producer, PID: w.PID, PName: w.PName, Type: w.Type}

	var err error
	switch w.Type {
	case EventProcess:
		var d ProcessData
		err = json.Unmarshal(w.Data, &d)
		e.Data = d
	case EventFile:
		var d FileData
		err = json.Unmarshal(w.Data, &d)
		e.Data = d
	case EventNetwork:
		var d NetworkData
		err = json.Unmarshal(w.Data, &d)
		e.Data = d
	case EventMCP:
		var d MCPData
		err = json.Unmarshal(w.Data, &d)
		e.Data = d
	case EventProxyLog:
		var d ProxyLogData
		err = json.Unmarshal(w.Data, &d)
		e.Data = d
	default:
		return Envelope{}, fmt.Errorf("envelope: unknown eventType %q", w.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal data for %q: %w", w.Type, err)
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
