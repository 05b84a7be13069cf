package engine

// ============================================================================
// Matching Engine gRPC transport
// Purpose: host an Engine behind exposure.v1.MatchingEngine and call it from
// another process, using protobuf well-known types as messages
//
// Wire layout:
//   IsEnabled                    Empty  -> BoolValue
//   Start / Stop                 Empty  -> Empty
//   ProvideDiagnosisKeys         Struct{files: [base64]} -> Empty
//   GetDailySummaries            Struct(ScanConfiguration) -> Struct{summaries: [...]}
//   SetDiagnosisKeysDataMapping  Struct(DataMapping) -> Empty
//   WatchStateUpdates            Empty  -> stream Empty
//
// Error kinds travel as status codes plus an ErrorInfo detail in the
// exposure.v1 domain (see toStatus / fromStatus). Statuses without that
// detail were produced by the transport, not by the engine.
// ============================================================================

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "exposure.v1.MatchingEngine"

// MaxMessageSize bounds one message on both sides of the connection.
// ProvideDiagnosisKeys carries every key file of a run in a single message,
// so the 4 MiB gRPC default is far too small for a backlog.
const MaxMessageSize = 512 << 20

// errorDomain tags statuses produced by an Engine behind a Server.
const errorDomain = "exposure.v1"

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServerOptions are the options a grpc.Server hosting an Engine needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// DialOptions are the client-side counterpart of ServerOptions.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(MaxMessageSize),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
		),
	}
}

// ============================================================================
// Error mapping
// ============================================================================

func kindToCode(k Kind) codes.Code {
	switch k {
	case KindDisabled:
		return codes.FailedPrecondition
	case KindPermissionRequired:
		return codes.PermissionDenied
	case KindRateLimited:
		return codes.ResourceExhausted
	case KindUnsupported:
		return codes.Unimplemented
	case KindTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}

func codeToKind(c codes.Code) Kind {
	switch c {
	case codes.FailedPrecondition:
		return KindDisabled
	case codes.PermissionDenied:
		return KindPermissionRequired
	case codes.ResourceExhausted:
		return KindRateLimited
	case codes.Unimplemented:
		return KindUnsupported
	case codes.DeadlineExceeded:
		return KindTimeout
	default:
		return KindUnknown
	}
}

// toStatus converts an engine error into a gRPC status error carrying the
// kind as an ErrorInfo reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	st := status.New(kindToCode(kind), err.Error())
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: kind.String(), Domain: errorDomain}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// fromStatus converts a gRPC error back into an *Error for op.
//
// The kind comes from the engine's ErrorInfo when present. Without it the
// status was raised by gRPC itself: ResourceExhausted then means a message
// or stream limit, never an engine quota, and maps to KindUnknown.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(op, KindTimeout, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewError(op, KindUnknown, err)
	}
	cause := errors.New(st.Message())
	if kind, ok := engineKind(st); ok {
		return NewError(op, kind, cause)
	}
	kind := codeToKind(st.Code())
	if kind == KindRateLimited {
		kind = KindUnknown
	}
	return NewError(op, kind, cause)
}

// engineKind reads the kind a Server attached with toStatus.
func engineKind(st *status.Status) (Kind, bool) {
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for k := KindUnknown; k <= KindTimeout; k++ {
			if k.String() == info.GetReason() {
				return k, true
			}
		}
	}
	return KindUnknown, false
}

// ============================================================================
// Message helpers
// ============================================================================

// toStruct round-trips v through JSON into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a structpb.Struct into v.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	return json.Unmarshal(raw, v)
}

type providePayload struct {
	Files []string `json:"files"` // base64 file contents, in submission order
}

type summariesPayload struct {
	Summaries []types.DailySummary `json:"summaries"`
}

// ============================================================================
// Server
// ============================================================================

// MatchingEngineServer is the handler set registered for ServiceName.
type MatchingEngineServer interface {
	IsEnabled(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Start(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ProvideDiagnosisKeys(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetDailySummaries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDiagnosisKeysDataMapping(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchStateUpdates(*emptypb.Empty, grpc.ServerStream) error
}

// Server exposes an Engine over gRPC. Key files arrive inline and are
// materialised in TempDir for the duration of the call.
type Server struct {
	engine  Engine
	tempDir string
	log     *slog.Logger
}

// NewServer wraps eng. tempDir may be empty to use the OS default.
func NewServer(eng Engine, tempDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, tempDir: tempDir, log: logger}
}

// Register attaches s to a grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) IsEnabled(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	ok, err := s.engine.IsEnabled(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.engine.Start(ctx))
}

func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.engine.Stop(ctx))
}

func (s *Server) ProvideDiagnosisKeys(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var p providePayload
	if err := fromStruct(in, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	paths := make([]string, 0, len(p.Files))
	defer func() {
		for _, path := range paths {
			_ = os.Remove(path)
		}
	}()
	for i, enc := range p.Files {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "file %d: %v", i, err)
		}
		f, err := os.CreateTemp(s.tempDir, "engine-keys-*.zip")
		if err != nil {
			return nil, status.Errorf(codes.Internal, "create temp file: %v", err)
		}
		paths = append(paths, f.Name())
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return nil, status.Errorf(codes.Internal, "write temp file: %v", errors.Join(werr, cerr))
		}
	}

	if err := s.engine.ProvideDiagnosisKeys(ctx, paths); err != nil {
		s.log.Warn("ProvideDiagnosisKeys rejected", "files", len(paths), "error", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) GetDailySummaries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cfg types.ScanConfiguration
	if err := fromStruct(in, &cfg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode config: %v", err)
	}
	sums, err := s.engine.GetDailySummaries(ctx, cfg)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(summariesPayload{Summaries: sums})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) SetDiagnosisKeysDataMapping(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var m types.DataMapping
	if err := fromStruct(in, &m); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode mapping: %v", err)
	}
	return &emptypb.Empty{}, toStatus(s.engine.SetDiagnosisKeysDataMapping(ctx, m))
}

func (s *Server) WatchStateUpdates(_ *emptypb.Empty, stream grpc.ServerStream) error {
	w, ok := s.engine.(StateWatcher)
	if !ok {
		return status.Error(codes.Unimplemented, "engine does not emit state updates")
	}
	return w.WatchStateUpdates(stream.Context(), func() {
		if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
			s.log.Debug("state update send failed", "error", err)
		}
	})
}

// unary builds a MethodDesc without generated code.
func unary[Req proto.Message](name string, newReq func() Req, call func(MatchingEngineServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MatchingEngineServer), ctx, req.(Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty   { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchingEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(OpIsEnabled, newEmpty, func(s MatchingEngineServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.IsEnabled(ctx, in)
		}),
		unary(OpStart, newEmpty, func(s MatchingEngineServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Start(ctx, in)
		}),
		unary(OpStop, newEmpty, func(s MatchingEngineServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Stop(ctx, in)
		}),
		unary(OpProvideDiagnosisKeys, newStruct, func(s MatchingEngineServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ProvideDiagnosisKeys(ctx, in)
		}),
		unary(OpGetDailySummaries, newStruct, func(s MatchingEngineServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.GetDailySummaries(ctx, in)
		}),
		unary(OpSetDataMapping, newStruct, func(s MatchingEngineServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.SetDiagnosisKeysDataMapping(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    OpWatchStateUpdates,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MatchingEngineServer).WatchStateUpdates(in, stream)
			},
		},
	},
	Metadata: "exposure/v1/engine.proto",
}

// ============================================================================
// Client
// ============================================================================

// GRPCClient implements Engine and StateWatcher against a remote Server.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Dial opens an insecure connection to addr. The caller closes the returned conn.
func Dial(addr string) (*GRPCClient, *grpc.ClientConn, error) {
	opts := append(DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial engine %s: %w", addr, err)
	}
	return NewGRPCClient(conn), conn, nil
}

func (c *GRPCClient) IsEnabled(ctx context.Context) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, fullMethod(OpIsEnabled), &emptypb.Empty{}, out); err != nil {
		return false, fromStatus(OpIsEnabled, err)
	}
	return out.GetValue(), nil
}

func (c *GRPCClient) Start(ctx context.Context) error {
	return fromStatus(OpStart, c.conn.Invoke(ctx, fullMethod(OpStart), &emptypb.Empty{}, new(emptypb.Empty)))
}

func (c *GRPCClient) Stop(ctx context.Context) error {
	return fromStatus(OpStop, c.conn.Invoke(ctx, fullMethod(OpStop), &emptypb.Empty{}, new(emptypb.Empty)))
}

func (c *GRPCClient) ProvideDiagnosisKeys(ctx context.Context, files []string) error {
	p := providePayload{Files: make([]string, 0, len(files))}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return NewError(OpProvideDiagnosisKeys, KindUnknown, fmt.Errorf("read key file: %w", err))
		}
		p.Files = append(p.Files, base64.StdEncoding.EncodeToString(data))
	}
	in, err := toStruct(p)
	if err != nil {
		return NewError(OpProvideDiagnosisKeys, KindUnknown, err)
	}
	return fromStatus(OpProvideDiagnosisKeys, c.conn.Invoke(ctx, fullMethod(OpProvideDiagnosisKeys), in, new(emptypb.Empty)))
}

func (c *GRPCClient) GetDailySummaries(ctx context.Context, cfg types.ScanConfiguration) ([]types.DailySummary, error) {
	in, err := toStruct(cfg)
	if err != nil {
		return nil, NewError(OpGetDailySummaries, KindUnknown, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(OpGetDailySummaries), in, out); err != nil {
		return nil, fromStatus(OpGetDailySummaries, err)
	}
	var p summariesPayload
	if err := fromStruct(out, &p); err != nil {
		return nil, NewError(OpGetDailySummaries, KindUnknown, err)
	}
	return p.Summaries, nil
}

func (c *GRPCClient) SetDiagnosisKeysDataMapping(ctx context.Context, m types.DataMapping) error {
	in, err := toStruct(m)
	if err != nil {
		return NewError(OpSetDataMapping, KindUnknown, err)
	}
	return fromStatus(OpSetDataMapping, c.conn.Invoke(ctx, fullMethod(OpSetDataMapping), in, new(emptypb.Empty)))
}

// WatchStateUpdates blocks, calling fn for every signal the server streams.
func (c *GRPCClient) WatchStateUpdates(ctx context.Context, fn func()) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(OpWatchStateUpdates))
	if err != nil {
		return fromStatus(OpWatchStateUpdates, err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fromStatus(OpWatchStateUpdates, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(OpWatchStateUpdates, err)
	}
	for {
		if err := stream.RecvMsg(new(emptypb.Empty)); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fromStatus(OpWatchStateUpdates, err)
		}
		fn()
	}
}

var (
	_ Engine               = (*GRPCClient)(nil)
	_ StateWatcher         = (*GRPCClient)(nil)
	_ Engine               = (*Simulator)(nil)
	_ StateWatcher         = (*Simulator)(nil)
	_ MatchingEngineServer = (*Server)(nil)
)
