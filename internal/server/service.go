package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/identity"
	"BidLedger/internal/money"
	"BidLedger/internal/projection"
	"BidLedger/internal/query"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine is the write side the API drives.
type Engine interface {
	CreateListing(ctx context.Context, l *auction.Listing) (*auction.Listing, error)
	Schedule(ctx context.Context, id uuid.UUID) (*auction.Listing, error)
	Activate(ctx context.Context, id uuid.UUID) (*auction.Listing, error)
	Cancel(ctx context.Context, id uuid.UUID) (*auction.Listing, error)
	PlaceBid(ctx context.Context, req core.PlaceBidRequest) (core.BidResult, error)
	RegisterAutoBid(ctx context.Context, req core.AutoBidRequest) (uuid.UUID, error)
}

// Reads is the read side the API serves.
type Reads interface {
	GetAuction(ctx context.Context, id uuid.UUID) (*projection.AuctionView, error)
	ListBids(ctx context.Context, id uuid.UUID, limit int, afterSequence int64) (*query.BidPage, error)
	GetResult(ctx context.Context, id uuid.UUID) (*query.ResultResponse, error)
	VerifyIntegrity(ctx context.Context, id uuid.UUID) (*query.IntegrityReport, error)
}

// Transport-level outcomes; domain errors come from the auction package.
var (
	errUnauthenticated  = identity.ErrUnauthenticated
	errPermissionDenied = errors.New("permission denied")
	errInvalidArgument  = errors.New("invalid argument")
)

// --- Request and response messages (JSON on both transports) ---

type AuctionRequest struct {
	AuctionID string `json:"auction_id"`
}

type CreateListingRequest struct {
	ID                string    `json:"id,omitempty"`
	TenantID          string    `json:"tenant_id"`
	ProductID         string    `json:"product_id"`
	Type              string    `json:"type"`
	StartingPrice     string    `json:"starting_price"`
	ReservePrice      string    `json:"reserve_price,omitempty"`
	BuyNowPrice       string    `json:"buy_now_price,omitempty"`
	BidIncrement      string    `json:"bid_increment"`
	PriceDropAmount   string    `json:"price_drop_amount,omitempty"`
	PriceDropInterval string    `json:"price_drop_interval,omitempty"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	AutoExtend        bool      `json:"auto_extend"`
	ExtendMinutes     int       `json:"extend_minutes"`
}

type PlaceBidRequest struct {
	AuctionID string `json:"auction_id"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id,omitempty"`
}

type RegisterAutoBidRequest struct {
	AuctionID string `json:"auction_id"`
	MaxAmount string `json:"max_amount"`
	Increment string `json:"increment,omitempty"`
}

type RegisterAutoBidResponse struct {
	RuleID uuid.UUID `json:"rule_id"`
}

type ListBidsRequest struct {
	AuctionID string `json:"auction_id"`
	Limit     int    `json:"limit,omitempty"`
	After     int64  `json:"after,omitempty"`
}

// Service implements the AuctionService methods independent of transport.
// Callers put the raw credential on the context with WithCredential.
type Service struct {
	engine     Engine
	reads      Reads
	resolver   identity.Resolver
	adminToken string
}

// NewService builds the service. An empty adminToken leaves admin methods
// open, which is only suitable for development.
func NewService(engine Engine, reads Reads, resolver identity.Resolver, adminToken string) *Service {
	return &Service{engine: engine, reads: reads, resolver: resolver, adminToken: adminToken}
}

type credentialKey struct{}
type adminKey struct{}

// WithCredential attaches the caller's Authorization value.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credential)
}

// WithAdminToken attaches the caller's admin token.
func WithAdminToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, adminKey{}, token)
}

func (s *Service) bidder(ctx context.Context) (uuid.UUID, error) {
	cred, _ := ctx.Value(credentialKey{}).(string)
	if cred == "" {
		return uuid.Nil, errUnauthenticated
	}
	return s.resolver.Resolve(ctx, cred)
}

func (s *Service) admin(ctx context.Context) error {
	if s.adminToken == "" {
		return nil
	}
	tok, _ := ctx.Value(adminKey{}).(string)
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) != 1 {
		return errPermissionDenied
	}
	return nil
}

// --- Bidder methods ---

func (s *Service) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*core.BidResult, error) {
	bidder, err := s.bidder(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.PlaceBid(ctx, core.PlaceBidRequest{AuctionID: id, BidderID: bidder, Amount: amount, RequestID: req.RequestID})
	if err != nil && res.Reason == "" {
		return nil, err
	}
	return &res, nil
}

func (s *Service) RegisterAutoBid(ctx context.Context, req *RegisterAutoBidRequest) (*RegisterAutoBidResponse, error) {
	bidder, err := s.bidder(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	maxAmount, err := parseAmount("max_amount", req.MaxAmount)
	if err != nil {
		return nil, err
	}
	r := core.AutoBidRequest{AuctionID: id, BidderID: bidder, MaxAmount: maxAmount}
	if req.Increment != "" {
		inc, err := parseAmount("increment", req.Increment)
		if err != nil {
			return nil, err
		}
		r.Increment = decimal.NewNullDecimal(inc)
	}
	ruleID, err := s.engine.RegisterAutoBid(ctx, r)
	if err != nil {
		return nil, err
	}
	return &RegisterAutoBidResponse{RuleID: ruleID}, nil
}

// --- Public reads ---

func (s *Service) GetAuction(ctx context.Context, req *AuctionRequest) (*projection.AuctionView, error) {
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	return s.reads.GetAuction(ctx, id)
}

func (s *Service) ListBids(ctx context.Context, req *ListBidsRequest) (*query.BidPage, error) {
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	return s.reads.ListBids(ctx, id, req.Limit, req.After)
}

func (s *Service) GetResult(ctx context.Context, req *AuctionRequest) (*query.ResultResponse, error) {
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	return s.reads.GetResult(ctx, id)
}

// --- Admin methods ---

func (s *Service) CreateListing(ctx context.Context, req *CreateListingRequest) (*auction.Listing, error) {
	if err := s.admin(ctx); err != nil {
		return nil, err
	}
	l, err := req.listing()
	if err != nil {
		return nil, err
	}
	return s.engine.CreateListing(ctx, l)
}

func (s *Service) Schedule(ctx context.Context, req *AuctionRequest) (*auction.Listing, error) {
	return s.lifecycle(ctx, req, s.engine.Schedule)
}

func (s *Service) Activate(ctx context.Context, req *AuctionRequest) (*auction.Listing, error) {
	return s.lifecycle(ctx, req, s.engine.Activate)
}

func (s *Service) Cancel(ctx context.Context, req *AuctionRequest) (*auction.Listing, error) {
	return s.lifecycle(ctx, req, s.engine.Cancel)
}

func (s *Service) VerifyIntegrity(ctx context.Context, req *AuctionRequest) (*query.IntegrityReport, error) {
	if err := s.admin(ctx); err != nil {
		return nil, err
	}
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	return s.reads.VerifyIntegrity(ctx, id)
}

func (s *Service) lifecycle(ctx context.Context, req *AuctionRequest, op func(context.Context, uuid.UUID) (*auction.Listing, error)) (*auction.Listing, error) {
	if err := s.admin(ctx); err != nil {
		return nil, err
	}
	id, err := parseID("auction_id", req.AuctionID)
	if err != nil {
		return nil, err
	}
	return op(ctx, id)
}

// --- Helpers ---

func (r *CreateListingRequest) listing() (*auction.Listing, error) {
	l := &auction.Listing{
		Type:          auction.Type(r.Type),
		StartsAt:      r.StartsAt.UTC(),
		EndsAt:        r.EndsAt.UTC(),
		AutoExtend:    r.AutoExtend,
		ExtendMinutes: r.ExtendMinutes,
	}
	var err error
	if r.ID != "" {
		if l.ID, err = parseID("id", r.ID); err != nil {
			return nil, err
		}
	}
	if l.TenantID, err = parseID("tenant_id", r.TenantID); err != nil {
		return nil, err
	}
	if l.ProductID, err = parseID("product_id", r.ProductID); err != nil {
		return nil, err
	}
	if l.StartingPrice, err = parseAmount("starting_price", r.StartingPrice); err != nil {
		return nil, err
	}
	if l.BidIncrement, err = parseAmount("bid_increment", r.BidIncrement); err != nil {
		return nil, err
	}
	if l.ReservePrice, err = optionalAmount("reserve_price", r.ReservePrice); err != nil {
		return nil, err
	}
	if l.BuyNowPrice, err = optionalAmount("buy_now_price", r.BuyNowPrice); err != nil {
		return nil, err
	}
	if r.PriceDropAmount != "" {
		if l.PriceDropAmount, err = parseAmount("price_drop_amount", r.PriceDropAmount); err != nil {
			return nil, err
		}
	}
	if r.PriceDropInterval != "" {
		if l.PriceDropInterval, err = time.ParseDuration(r.PriceDropInterval); err != nil {
			return nil, fmt.Errorf("%w: price_drop_interval: %v", errInvalidArgument, err)
		}
	}
	return l, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errInvalidArgument, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s: %v", errInvalidArgument, field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", errInvalidArgument, field)
	}
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", errInvalidArgument, field, err)
	}
	return d, nil
}

func optionalAmount(field, s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseAmount(field, s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
