package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/tripwire/observer/internal/audit"
	"github.com/tripwire/observer/internal/procgraph"
)

// jsonCodec lets the control-plane gRPC service exchange plain Go structs
// without a .proto/generated-stub step: the server and the one in-repo
// client both select it via grpc.CallContentSubtype("json") /
// content-subtype negotiation, so grpc handles framing, HTTP/2, and
// deadlines while encoding/json handles the payload.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ProcessTreeRequest is the (empty) request for GetProcessTree.
type ProcessTreeRequest struct{}

// ProcessTreeNode mirrors procgraph.Process for wire transfer.
type ProcessTreeNode struct {
	PID           int    `json:"pid"`
	ParentPID     int    `json:"parent_pid"`
	ImageFilename string `json:"image_filename"`
	ProcessName   string `json:"process_name"`
	CommandLine   string `json:"command_line"`
	StartTS       int64  `json:"start_ts"`
}

// ProcessTreeResponse is the full live process forest at the moment of the
// call.
type ProcessTreeResponse struct {
	RootPID   int               `json:"root_pid"`
	Processes []ProcessTreeNode `json:"processes"`
}

// ReloadRegistryRequest is the (empty) request for ReloadRegistry.
type ReloadRegistryRequest struct{}

// ReloadRegistryResponse reports the outcome of an out-of-band registry
// reload triggered over the control plane.
type ReloadRegistryResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ControlServer is the control-plane gRPC service: single-host introspection
// and administration, never cross-host aggregation.
type ControlServer interface {
	GetProcessTree(ctx context.Context, req *ProcessTreeRequest) (*ProcessTreeResponse, error)
	ReloadRegistry(ctx context.Context, req *ReloadRegistryRequest) (*ReloadRegistryResponse, error)
}

// graphSnapshotter is the subset of procgraph.Graph the control server needs.
type graphSnapshotter interface {
	Snapshot() []procgraph.Process
	RootPID() int
}

// registryReloader is the subset of registry.Registry the control server
// needs.
type registryReloader interface {
	Reload() error
}

// auditAppender is the subset of *audit.Logger the control server needs.
// ReloadRegistry is the only administrative action exposed over the control
// plane today, so it is the only one hash-chained.
type auditAppender interface {
	Append(payload json.RawMessage) (audit.Entry, error)
}

type controlServer struct {
	graph    graphSnapshotter
	registry registryReloader
	audit    auditAppender
	logger   *slog.Logger
}

func newControlServer(graph graphSnapshotter, registry registryReloader, auditLog auditAppender, logger *slog.Logger) *controlServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &controlServer{graph: graph, registry: registry, audit: auditLog, logger: logger}
}

// appendAudit records an administrative action to the hash-chained audit
// log, if one is configured. Failures are logged, never propagated: a
// missing audit trail must not block the administrative action itself.
func (c *controlServer) appendAudit(action string, ok bool, detail string) {
	if c.audit == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Action string `json:"action"`
		Ok     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}{Action: action, Ok: ok, Detail: detail})
	if err != nil {
		c.logger.Warn("control: failed to encode audit payload", slog.Any("error", err))
		return
	}
	if _, err := c.audit.Append(payload); err != nil {
		c.logger.Warn("control: failed to append audit entry", slog.Any("error", err))
	}
}

func (c *controlServer) GetProcessTree(ctx context.Context, req *ProcessTreeRequest) (*ProcessTreeResponse, error) {
	resp := &ProcessTreeResponse{}
	if c.graph == nil {
		return resp, nil
	}
	resp.RootPID = c.graph.RootPID()
	for _, p := range c.graph.Snapshot() {
		resp.Processes = append(resp.Processes, ProcessTreeNode{
			PID:           p.PID,
			ParentPID:     p.ParentPID,
			ImageFilename: p.ImageFilename,
			ProcessName:   p.ProcessName,
			CommandLine:   p.CommandLine,
			StartTS:       p.StartTS,
		})
	}
	return resp, nil
}

func (c *controlServer) ReloadRegistry(ctx context.Context, req *ReloadRegistryRequest) (*ReloadRegistryResponse, error) {
	if c.registry == nil {
		c.appendAudit("reload_registry", false, "registry not configured")
		return &ReloadRegistryResponse{Ok: false, Error: "registry not configured"}, nil
	}
	if err := c.registry.Reload(); err != nil {
		c.logger.Warn("control: registry reload failed", slog.Any("error", err))
		c.appendAudit("reload_registry", false, err.Error())
		return &ReloadRegistryResponse{Ok: false, Error: err.Error()}, nil
	}
	c.appendAudit("reload_registry", true, "")
	return &ReloadRegistryResponse{Ok: true}, nil
}

// controlServiceDesc is hand-written in place of a .proto/protoc-gen-go-grpc
// step: the service is small, internal-only, and never needs a second
// language binding.
var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "tripobserve.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetProcessTree",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(ProcessTreeRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).GetProcessTree(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tripobserve.Control/GetProcessTree"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(ControlServer).GetProcessTree(ctx, req.(*ProcessTreeRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "ReloadRegistry",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(ReloadRegistryRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).ReloadRegistry(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tripobserve.Control/ReloadRegistry"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(ControlServer).ReloadRegistry(ctx, req.(*ReloadRegistryRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/supervisor/control.go",
}
