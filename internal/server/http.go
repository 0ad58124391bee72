package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"BidLedger/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HTTPDeps holds everything the HTTP router serves.
type HTTPDeps struct {
	Service        AuctionServiceServer
	Health         *observability.HealthChecker
	Metrics        *observability.Metrics
	Feed           http.Handler // websocket feed; optional
	AllowedOrigins []string
}

// gateway maps REST routes onto AuctionService methods using the
// grpc-gateway mux, so HTTP errors share the gRPC status mapping.
type gateway struct {
	mux     *runtime.ServeMux
	svc     AuctionServiceServer
	metrics *observability.Metrics
}

type route struct {
	method  string
	pattern string
	name    string
	call    func(ctx context.Context, g *gateway, r *http.Request, params map[string]string) (any, int, error)
}

var routes = []route{
	{http.MethodPost, "/v1/auctions", "CreateListing", func(ctx context.Context, g *gateway, r *http.Request, _ map[string]string) (any, int, error) {
		var req CreateListingRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, 0, err
		}
		l, err := g.svc.CreateListing(ctx, &req)
		return l, http.StatusCreated, err
	}},
	{http.MethodGet, "/v1/auctions/{auction_id}", "GetAuction", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		v, err := g.svc.GetAuction(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return v, http.StatusOK, err
	}},
	{http.MethodPost, "/v1/auctions/{auction_id}/schedule", "Schedule", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		l, err := g.svc.Schedule(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return l, http.StatusOK, err
	}},
	{http.MethodPost, "/v1/auctions/{auction_id}/activate", "Activate", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		l, err := g.svc.Activate(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return l, http.StatusOK, err
	}},
	{http.MethodPost, "/v1/auctions/{auction_id}/cancel", "Cancel", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		l, err := g.svc.Cancel(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return l, http.StatusOK, err
	}},
	{http.MethodPost, "/v1/auctions/{auction_id}/bids", "PlaceBid", func(ctx context.Context, g *gateway, r *http.Request, p map[string]string) (any, int, error) {
		var req PlaceBidRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, 0, err
		}
		req.AuctionID = p["auction_id"]
		if req.RequestID == "" {
			req.RequestID = r.Header.Get("Idempotency-Key")
		}
		res, err := g.svc.PlaceBid(ctx, &req)
		if err != nil {
			return nil, 0, err
		}
		if !res.Accepted {
			return res, runtime.HTTPStatusFromCode(codeForReason(res.Reason)), nil
		}
		return res, http.StatusOK, nil
	}},
	{http.MethodGet, "/v1/auctions/{auction_id}/bids", "ListBids", func(ctx context.Context, g *gateway, r *http.Request, p map[string]string) (any, int, error) {
		req := ListBidsRequest{AuctionID: p["auction_id"]}
		q := r.URL.Query()
		var err error
		if s := q.Get("limit"); s != "" {
			if req.Limit, err = strconv.Atoi(s); err != nil {
				return nil, 0, fmt.Errorf("%w: limit: %v", errInvalidArgument, err)
			}
		}
		if s := q.Get("after"); s != "" {
			if req.After, err = strconv.ParseInt(s, 10, 64); err != nil {
				return nil, 0, fmt.Errorf("%w: after: %v", errInvalidArgument, err)
			}
		}
		page, err := g.svc.ListBids(ctx, &req)
		return page, http.StatusOK, err
	}},
	{http.MethodPost, "/v1/auctions/{auction_id}/autobids", "RegisterAutoBid", func(ctx context.Context, g *gateway, r *http.Request, p map[string]string) (any, int, error) {
		var req RegisterAutoBidRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, 0, err
		}
		req.AuctionID = p["auction_id"]
		res, err := g.svc.RegisterAutoBid(ctx, &req)
		return res, http.StatusCreated, err
	}},
	{http.MethodGet, "/v1/auctions/{auction_id}/result", "GetResult", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		res, err := g.svc.GetResult(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return res, http.StatusOK, err
	}},
	{http.MethodGet, "/v1/auctions/{auction_id}/integrity", "VerifyIntegrity", func(ctx context.Context, g *gateway, _ *http.Request, p map[string]string) (any, int, error) {
		rep, err := g.svc.VerifyIntegrity(ctx, &AuctionRequest{AuctionID: p["auction_id"]})
		return rep, http.StatusOK, err
	}},
}

func newGateway(svc AuctionServiceServer, metrics *observability.Metrics) (*gateway, error) {
	g := &gateway{mux: runtime.NewServeMux(), svc: svc, metrics: metrics}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.handler(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g, nil
}

func (g *gateway) handler(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := httpCredentials(r)

		resp, code, err := rt.call(ctx, g, r, params)
		err = toStatus(err)
		if g.metrics != nil {
			g.metrics.APIRequests.WithLabelValues(rt.name, status.Code(err).String()).Inc()
			g.metrics.APIDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if c := status.Code(err); c == codes.Internal || c == codes.Unknown {
				logger.Error().Err(err).Str("method", rt.name).Msg("request failed")
			}
			runtime.HTTPError(ctx, g.mux, &runtime.JSONPb{}, w, r, err)
			return
		}
		writeJSON(w, code, resp)
	}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// httpCredentials lifts the Authorization and X-Admin-Token headers onto
// the request context. Browser clients may pass access_token instead.
func httpCredentials(r *http.Request) context.Context {
	ctx := r.Context()
	cred := r.Header.Get("Authorization")
	if cred == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			cred = "Bearer " + tok
		}
	}
	if cred != "" {
		ctx = WithCredential(ctx, cred)
	}
	if tok := r.Header.Get("X-Admin-Token"); tok != "" {
		ctx = WithAdminToken(ctx, tok)
	}
	return ctx
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", errInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("write response")
	}
}

// NewRouter builds the public HTTP surface: the REST API under /v1, the
// websocket feed, health probes and Prometheus metrics.
func NewRouter(deps HTTPDeps) (http.Handler, error) {
	gw, err := newGateway(deps.Service, deps.Metrics)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAny(deps.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(observability.RequestLogger(logger))
		r.Mount("/v1", gw)
		if deps.Feed != nil {
			r.Handle("/ws/auctions/{id}", deps.Feed)
		}
	})
	return r, nil
}

func originsOrAny(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// HTTPServer serves the router with graceful shutdown.
type HTTPServer struct {
	server *http.Server
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start listens and serves until ctx is done.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
