package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/identity"
	"BidLedger/internal/money"
	"BidLedger/internal/observability"
	"BidLedger/internal/projection"
	"BidLedger/internal/query"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeEngine struct {
	bids    []core.PlaceBidRequest
	rules   []core.AutoBidRequest
	created []*auction.Listing
}

func (f *fakeEngine) CreateListing(_ context.Context, l *auction.Listing) (*auction.Listing, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.Status = auction.StatusDraft
	f.created = append(f.created, l)
	return l, nil
}

func (f *fakeEngine) Schedule(_ context.Context, id uuid.UUID) (*auction.Listing, error) {
	return &auction.Listing{ID: id, Status: auction.StatusScheduled}, nil
}

func (f *fakeEngine) Activate(_ context.Context, id uuid.UUID) (*auction.Listing, error) {
	return &auction.Listing{ID: id, Status: auction.StatusActive}, nil
}

func (f *fakeEngine) Cancel(context.Context, uuid.UUID) (*auction.Listing, error) {
	return nil, auction.ErrAlreadyHasBids
}

func (f *fakeEngine) PlaceBid(_ context.Context, req core.PlaceBidRequest) (core.BidResult, error) {
	f.bids = append(f.bids, req)
	if req.Amount.LessThan(money.MustParse("110")) {
		return core.BidResult{Reason: "BidTooLow"}, nil
	}
	return core.BidResult{Accepted: true, BidID: uuid.New(), Amount: req.Amount, LeaderID: req.BidderID, LeadingAmount: req.Amount}, nil
}

func (f *fakeEngine) RegisterAutoBid(_ context.Context, req core.AutoBidRequest) (uuid.UUID, error) {
	f.rules = append(f.rules, req)
	return uuid.New(), nil
}

type fakeReads struct {
	known uuid.UUID
}

func (f *fakeReads) GetAuction(_ context.Context, id uuid.UUID) (*projection.AuctionView, error) {
	if id != f.known {
		return nil, fmt.Errorf("%w: %s", auction.ErrNotFound, id)
	}
	return &projection.AuctionView{AuctionID: id, Status: auction.StatusActive, Sequence: 7}, nil
}

func (f *fakeReads) ListBids(_ context.Context, id uuid.UUID, limit int, after int64) (*query.BidPage, error) {
	return &query.BidPage{AuctionID: id, NextAfter: after + int64(limit)}, nil
}

func (f *fakeReads) GetResult(_ context.Context, id uuid.UUID) (*query.ResultResponse, error) {
	return nil, fmt.Errorf("%w: no result for %s", auction.ErrNotFound, id)
}

func (f *fakeReads) VerifyIntegrity(_ context.Context, id uuid.UUID) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{AuctionID: id, IsHealthy: true, Events: 3}, nil
}

func newService(adminToken string) (*Service, *fakeEngine, uuid.UUID) {
	engine := &fakeEngine{}
	known := uuid.New()
	return NewService(engine, &fakeReads{known: known}, identity.BearerResolver{}, adminToken), engine, known
}

// --- gRPC ---

func dialBuf(t *testing.T, svc AuctionServiceServer) (*grpc.ClientConn, *GRPCServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer("bufnet", svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return conn, srv
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in, out any) error {
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype("json"))
}

func TestGRPC_PlaceBid(t *testing.T) {
	svc, engine, _ := newService("")
	conn, _ := dialBuf(t, svc)

	bidder := uuid.New()
	auctionID := uuid.New()
	ctx := metadata.AppendToOutgoingContext(context.Background(), MDAuthorization, "Bearer "+bidder.String())

	var res core.BidResult
	require.NoError(t, invoke(ctx, conn, "PlaceBid", &PlaceBidRequest{AuctionID: auctionID.String(), Amount: "150.004", RequestID: "r-1"}, &res))
	assert.True(t, res.Accepted)
	assert.Equal(t, bidder, res.LeaderID)

	require.Len(t, engine.bids, 1)
	assert.Equal(t, bidder, engine.bids[0].BidderID)
	assert.Equal(t, "150", engine.bids[0].Amount.String())
	assert.Equal(t, "r-1", engine.bids[0].RequestID)

	require.NoError(t, invoke(ctx, conn, "PlaceBid", &PlaceBidRequest{AuctionID: auctionID.String(), Amount: "100"}, &res))
	assert.False(t, res.Accepted, "rejections are results, not errors")
	assert.Equal(t, "BidTooLow", res.Reason)
}

func TestGRPC_Errors(t *testing.T) {
	svc, _, known := newService("secret")
	conn, _ := dialBuf(t, svc)
	ctx := context.Background()

	var res core.BidResult
	err := invoke(ctx, conn, "PlaceBid", &PlaceBidRequest{AuctionID: uuid.NewString(), Amount: "150"}, &res)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, MDAuthorization, "Bearer "+uuid.NewString())
	err = invoke(authed, conn, "PlaceBid", &PlaceBidRequest{AuctionID: "nope", Amount: "150"}, &res)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var view projection.AuctionView
	err = invoke(ctx, conn, "GetAuction", &AuctionRequest{AuctionID: uuid.NewString()}, &view)
	assert.Equal(t, codes.NotFound, status.Code(err))
	require.NoError(t, invoke(ctx, conn, "GetAuction", &AuctionRequest{AuctionID: known.String()}, &view))
	assert.Equal(t, int64(7), view.Sequence)

	var l auction.Listing
	err = invoke(ctx, conn, "Schedule", &AuctionRequest{AuctionID: known.String()}, &l)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	admin := metadata.AppendToOutgoingContext(ctx, MDAdminToken, "secret")
	require.NoError(t, invoke(admin, conn, "Schedule", &AuctionRequest{AuctionID: known.String()}, &l))
	assert.Equal(t, auction.StatusScheduled, l.Status)

	err = invoke(admin, conn, "Cancel", &AuctionRequest{AuctionID: known.String()}, &l)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	svc, _, _ := newService("")
	conn, srv := dialBuf(t, svc)
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{auction.ErrInvalidState, codes.FailedPrecondition},
		{auction.ErrAuctionClosed, codes.FailedPrecondition},
		{auction.ErrSettlementAlreadyRun, codes.FailedPrecondition},
		{auction.ErrBidTooLow, codes.InvalidArgument},
		{auction.ErrInvalidListing, codes.InvalidArgument},
		{auction.ErrAutoBidUnsupported, codes.InvalidArgument},
		{fmt.Errorf("wrap: %w", auction.ErrNotFound), codes.NotFound},
		{auction.ErrSealedBidExists, codes.AlreadyExists},
		{auction.ErrEscrowUnavailable, codes.Unavailable},
		{auction.ErrSettlementTimeout, codes.DeadlineExceeded},
		{identity.ErrUnauthenticated, codes.Unauthenticated},
		{errPermissionDenied, codes.PermissionDenied},
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, codeOf(tt.err), tt.err.Error())
	}
}

// --- HTTP ---

func newHTTP(t *testing.T, svc AuctionServiceServer, metrics *observability.Metrics) (*httptest.Server, *observability.HealthChecker) {
	t.Helper()
	health := observability.NewHealthChecker()
	h, err := NewRouter(HTTPDeps{Service: svc, Health: health, Metrics: metrics})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, health
}

func do(t *testing.T, method, url, auth string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTP_Bids(t *testing.T) {
	svc, engine, _ := newService("")
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	srv, _ := newHTTP(t, svc, metrics)

	bidder := uuid.New()
	auctionID := uuid.New()
	url := srv.URL + "/v1/auctions/" + auctionID.String() + "/bids"

	resp := do(t, http.MethodPost, url, "Bearer "+bidder.String(), map[string]string{"amount": "120"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res core.BidResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Accepted)
	require.Len(t, engine.bids, 1)
	assert.Equal(t, auctionID, engine.bids[0].AuctionID)

	resp = do(t, http.MethodPost, url, "Bearer "+bidder.String(), map[string]string{"amount": "100"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "BidTooLow", res.Reason)

	resp = do(t, http.MethodPost, url, "", map[string]string{"amount": "120"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, url, "Bearer "+bidder.String(), map[string]string{"amount": "120", "bogus": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.APIRequests.WithLabelValues("PlaceBid", "Unauthenticated")))
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.APIRequests.WithLabelValues("PlaceBid", "OK")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.APIRequests.WithLabelValues("PlaceBid", "InvalidArgument")))
}

func TestHTTP_ListingLifecycle(t *testing.T) {
	svc, engine, known := newService("")
	srv, _ := newHTTP(t, svc, nil)

	body := map[string]any{
		"tenant_id":      uuid.NewString(),
		"product_id":     uuid.NewString(),
		"type":           "english",
		"starting_price": "100",
		"bid_increment":  "10",
		"reserve_price":  "180",
		"starts_at":      "2026-03-01T12:00:00Z",
		"ends_at":        "2026-03-01T13:00:00Z",
	}
	resp := do(t, http.MethodPost, srv.URL+"/v1/auctions", "", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, engine.created, 1)
	assert.True(t, engine.created[0].ReservePrice.Valid)
	assert.Equal(t, "180", engine.created[0].ReservePrice.Decimal.String())

	resp = do(t, http.MethodPost, srv.URL+"/v1/auctions/"+known.String()+"/activate", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/auctions/"+known.String()+"/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "FailedPrecondition maps to 400")

	resp = do(t, http.MethodGet, srv.URL+"/v1/auctions/"+known.String(), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var view projection.AuctionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, known, view.AuctionID)

	resp = do(t, http.MethodGet, srv.URL+"/v1/auctions/"+uuid.NewString()+"/result", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/auctions/"+known.String()+"/bids?limit=10&after=5", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var page query.BidPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, int64(15), page.NextAfter)

	resp = do(t, http.MethodGet, srv.URL+"/v1/auctions/"+known.String()+"/bids?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_AutoBid(t *testing.T) {
	svc, engine, _ := newService("")
	srv, _ := newHTTP(t, svc, nil)
	bidder := uuid.New()

	resp := do(t, http.MethodPost, srv.URL+"/v1/auctions/"+uuid.NewString()+"/autobids", "Bearer "+bidder.String(),
		map[string]string{"max_amount": "500", "increment": "25"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, engine.rules, 1)
	assert.Equal(t, bidder, engine.rules[0].BidderID)
	assert.True(t, engine.rules[0].Increment.Valid)
	assert.Equal(t, "25", engine.rules[0].Increment.Decimal.String())
}

func TestHTTP_Health(t *testing.T) {
	svc, _, _ := newService("")
	srv, health := newHTTP(t, svc, nil)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	health.SetReady(true)
	resp = do(t, http.MethodGet, srv.URL+"/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
