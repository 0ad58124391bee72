package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/identity"
	"BidLedger/internal/observability"
	"BidLedger/internal/projection"
	"BidLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

var logger = observability.NewLogger("server")

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bidledger.v1.AuctionService"

// Metadata keys read by the gRPC transport.
const (
	MDAuthorization = "authorization"
	MDAdminToken    = "x-admin-token"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the service's plain Go messages over gRPC. Clients
// select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// AuctionServiceServer is the server API for the auction service.
type AuctionServiceServer interface {
	CreateListing(context.Context, *CreateListingRequest) (*auction.Listing, error)
	Schedule(context.Context, *AuctionRequest) (*auction.Listing, error)
	Activate(context.Context, *AuctionRequest) (*auction.Listing, error)
	Cancel(context.Context, *AuctionRequest) (*auction.Listing, error)
	PlaceBid(context.Context, *PlaceBidRequest) (*core.BidResult, error)
	RegisterAutoBid(context.Context, *RegisterAutoBidRequest) (*RegisterAutoBidResponse, error)
	GetAuction(context.Context, *AuctionRequest) (*projection.AuctionView, error)
	ListBids(context.Context, *ListBidsRequest) (*query.BidPage, error)
	GetResult(context.Context, *AuctionRequest) (*query.ResultResponse, error)
	VerifyIntegrity(context.Context, *AuctionRequest) (*query.IntegrityReport, error)
}

var _ AuctionServiceServer = (*Service)(nil)

func unary[Req, Resp any](name string, call func(AuctionServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AuctionServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AuctionServiceDesc is registered by hand; messages travel as JSON.
var AuctionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuctionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateListing", AuctionServiceServer.CreateListing),
		unary("Schedule", AuctionServiceServer.Schedule),
		unary("Activate", AuctionServiceServer.Activate),
		unary("Cancel", AuctionServiceServer.Cancel),
		unary("PlaceBid", AuctionServiceServer.PlaceBid),
		unary("RegisterAutoBid", AuctionServiceServer.RegisterAutoBid),
		unary("GetAuction", AuctionServiceServer.GetAuction),
		unary("ListBids", AuctionServiceServer.ListBids),
		unary("GetResult", AuctionServiceServer.GetResult),
		unary("VerifyIntegrity", AuctionServiceServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bidledger/v1/auction.proto",
}

// GRPCServer wraps the gRPC server and its health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
}

// NewGRPCServer creates a gRPC server with the auction, health and
// reflection services registered.
func NewGRPCServer(addr string, svc AuctionServiceServer, metrics *observability.Metrics) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		credentialsInterceptor,
		observeInterceptor(metrics),
	))
	grpcServer.RegisterService(&AuctionServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr}
}

// SetServing flips the health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve blocks on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// credentialsInterceptor copies credentials from incoming metadata onto the
// context in the shape Service expects.
func credentialsInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(MDAuthorization); len(v) > 0 {
			ctx = WithCredential(ctx, v[0])
		}
		if v := md.Get(MDAdminToken); len(v) > 0 {
			ctx = WithAdminToken(ctx, v[0])
		}
	}
	return handler(ctx, req)
}

func observeInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]

		resp, err := handler(ctx, req)
		err = toStatus(err)
		code := status.Code(err)

		if metrics != nil {
			metrics.APIRequests.WithLabelValues(method, code.String()).Inc()
			metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error().Err(err).Str("method", method).Msg("request failed")
		}
		return resp, err
	}
}

// toStatus maps domain and transport errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, errPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, errInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codeForReason(auction.Code(err))
}

// codeForReason maps a stable error code such as "BidTooLow" to its gRPC
// status code.
func codeForReason(reason string) codes.Code {
	switch reason {
	case "InvalidState", "AuctionClosed", "SettlementAlreadyRun", "AlreadyHasBids":
		return codes.FailedPrecondition
	case "BidTooLow", "InvalidListing", "RuleCeilingExceeded", "AutoBidUnsupported":
		return codes.InvalidArgument
	case "NotFound":
		return codes.NotFound
	case "SealedBidExists", "SelfOutbid":
		return codes.AlreadyExists
	case "EscrowUnavailable":
		return codes.Unavailable
	case "SettlementTimeout":
		return codes.DeadlineExceeded
	}
	return codes.Internal
}
