// Package settlement runs the sealed-bid auction pipeline: commit and reveal of sealed
// bids, admission of open bids, closing auctions at cutoff, the payment fallback
// cascade, fallback responses and payment confirmation.
//
// The database is the only shared state. Request handlers and the periodic sweeps
// coordinate through conditional updates, so overlapping sweeps over the same
// auction are harmless.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

// Repository is the persistence collaborator. *store.Store implements it.
type Repository interface {
	CreateAuction(ctx context.Context, auction *core.Auction) error
	GetAuction(ctx context.Context, id string) (*core.Auction, error)
	DueAuctions(ctx context.Context, now time.Time) ([]core.Auction, error)

	InsertCommitment(ctx context.Context, c *core.Commitment) error
	RevealCommitment(ctx context.Context, r store.Reveal) (*core.Commitment, error)
	RankRemainingBidders(ctx context.Context, auctionID string, exclude []string, limit int) ([]core.RankedBid, error)

	CloseAuction(ctx context.Context, auctionID string, winner *core.RankedBid, paymentDeadline, now time.Time) (*core.SettlementResult, bool, error)
	GetSettlement(ctx context.Context, id string) (*core.SettlementResult, error)
	GetSettlementByAuction(ctx context.Context, auctionID string) (*core.SettlementResult, error)
	OverduePayments(ctx context.Context, now time.Time) ([]core.SettlementResult, error)
	StalledCascades(ctx context.Context) ([]core.SettlementResult, error)
	UnansweredOffers(ctx context.Context, now time.Time) ([]core.SettlementResult, error)
	FailPayment(ctx context.Context, resultID string, from core.SettlementStatus, reason string, now time.Time) error
	ExhaustFallbacks(ctx context.Context, resultID, reason string, now time.Time) error
	OfferFallback(ctx context.Context, offer store.Offer) (*core.FallbackLogEntry, error)
	AcceptFallback(ctx context.Context, resultID, logID string, now time.Time) error
	DeclineFallback(ctx context.Context, resultID, logID string, response core.ResponseStatus, reason string, now time.Time) error
	MarkPaid(ctx context.Context, resultID string, from core.SettlementStatus, now time.Time) error
	FallbackLog(ctx context.Context, resultID string) ([]core.FallbackLogEntry, error)
	GetFallbackLogEntry(ctx context.Context, resultID, logID string) (*core.FallbackLogEntry, error)
}

// BidLedger is the atomic validate-and-insert primitive of the open-bid lane.
// Implementations return a *core.BidTooLowError when the increment rule fails;
// any other error means the primitive itself is unavailable.
type BidLedger interface {
	AdmitBid(ctx context.Context, bid *core.OpenBid, schedule core.IncrementSchedule) (*core.OpenBid, error)
}

// Notifier tells a bidder about a fallback offer.
type Notifier interface {
	NotifyFallbackOffer(ctx context.Context, offer core.FallbackOffer) error
}

// Clock is the time source for every deadline comparison.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the tunables passed in at construction.
type Config struct {
	PaymentWindow         time.Duration
	FallbackOfferWindow   time.Duration
	FallbackPaymentWindow time.Duration
	MaxFallbackAttempts   int
	BidSignatureTTL       time.Duration
	Increments            core.IncrementSchedule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PaymentWindow:         time.Hour,
		FallbackOfferWindow:   24 * time.Hour,
		FallbackPaymentWindow: 48 * time.Hour,
		MaxFallbackAttempts:   3,
		BidSignatureTTL:       5 * time.Minute,
		Increments:            core.DefaultIncrementSchedule(),
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.PaymentWindow <= 0 || c.FallbackOfferWindow <= 0 || c.FallbackPaymentWindow <= 0 {
		return errors.New("settlement windows must be positive")
	}
	if c.FallbackPaymentWindow < c.FallbackOfferWindow {
		return errors.New("fallback payment window must not end before the offer window")
	}
	if c.MaxFallbackAttempts < 0 {
		return errors.New("max fallback attempts must not be negative")
	}
	if c.BidSignatureTTL <= 0 {
		return errors.New("bid signature TTL must be positive")
	}
	return c.Increments.Validate()
}

// Service implements every settlement operation.
type Service struct {
	repo     Repository
	ledger   BidLedger
	verifier *signing.Verifier
	notifier Notifier
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
	cfg      Config
}

// Option customizes a Service.
type Option func(*Service)

// WithLedger replaces the bid admission primitive (the repository by default).
func WithLedger(ledger BidLedger) Option {
	return func(s *Service) { s.ledger = ledger }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a Service. When repo also implements BidLedger it is used for admission
// unless WithLedger overrides it.
func New(repo Repository, verifier *signing.Verifier, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settlement config: %w", err)
	}
	s := &Service{
		repo:     repo,
		verifier: verifier,
		clock:    systemClock{},
		cfg:      cfg,
	}
	if ledger, ok := repo.(BidLedger); ok {
		s.ledger = ledger
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.ledger == nil {
		return nil, errors.New("no bid ledger configured")
	}
	return s, nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyFallbackOffer(context.Context, core.FallbackOffer) error { return nil }

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config {
	return s.cfg
}

// CreateAuction registers a ticket sale open for bids until cutoff.
func (s *Service) CreateAuction(ctx context.Context, ticketID string, cutoff time.Time) (*core.Auction, error) {
	if ticketID == "" {
		return nil, errors.New("ticket id is required")
	}
	if !cutoff.After(s.now()) {
		return nil, fmt.Errorf("%w: cutoff must be in the future", ErrAuctionClosed)
	}
	auction := &core.Auction{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		CutoffTime: cutoff.UTC(),
		Status:     core.AuctionStatusActive,
	}
	if err := s.repo.CreateAuction(ctx, auction); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}
	s.logger.Info("auction created", "component", "settlement", "auction_id", auction.ID, "cutoff", auction.CutoffTime)
	return auction, nil
}

func (s *Service) GetAuction(ctx context.Context, id string) (*core.Auction, error) {
	auction, err := s.repo.GetAuction(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return auction, nil
}

// SettlementView is a settlement result with its cascade history.
type SettlementView struct {
	Result   *core.SettlementResult
	Fallback []core.FallbackLogEntry
}

func (s *Service) GetSettlement(ctx context.Context, id string) (*SettlementView, error) {
	result, err := s.repo.GetSettlement(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return s.view(ctx, result)
}

func (s *Service) GetSettlementByAuction(ctx context.Context, auctionID string) (*SettlementView, error) {
	result, err := s.repo.GetSettlementByAuction(ctx, auctionID)
	if err != nil {
		return nil, notFound(err)
	}
	return s.view(ctx, result)
}

func (s *Service) view(ctx context.Context, result *core.SettlementResult) (*SettlementView, error) {
	entries, err := s.repo.FallbackLog(ctx, result.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback log: %w", err)
	}
	return &SettlementView{Result: result, Fallback: entries}, nil
}

// notFound maps the store's not-found sentinel onto ErrNotFound and passes everything else through.
func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
