// Package notify delivers fallback offers to bidders. Delivery is fire-and-forget:
// callers log failures and never roll back the state change that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cloudx-io/sealedbid/core"
)

const (
	DefaultStream   = "SETTLEMENT_EVENTS"
	offerSubjectFmt = "settlement.fallback.offer.%s"
)

// OfferEvent is the message published for every fallback offer.
type OfferEvent struct {
	EventID   string             `json:"event_id"`
	Type      string             `json:"type"`
	Offer     core.FallbackOffer `json:"offer"`
	Timestamp time.Time          `json:"timestamp"`
}

// publisher is the subset of jetstream.JetStream used here.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream publishes offers to a NATS JetStream stream with at-least-once delivery.
// Message IDs are set to the fallback log ID so redelivered offers are de-duplicated.
type JetStream struct {
	js     publisher
	logger *slog.Logger
}

// NewJetStream ensures the stream exists and returns a notifier publishing into it.
func NewJetStream(ctx context.Context, nc *nats.Conn, stream string, logger *slog.Logger) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "Settlement fallback offers",
		Subjects:    []string{"settlement.fallback.>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", stream, err)
	}
	return newJetStream(js, logger), nil
}

func newJetStream(js publisher, logger *slog.Logger) *JetStream {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &JetStream{js: js, logger: logger}
}

func (n *JetStream) NotifyFallbackOffer(ctx context.Context, offer core.FallbackOffer) error {
	data, err := json.Marshal(OfferEvent{
		EventID:   uuid.NewString(),
		Type:      "fallback_offer",
		Offer:     offer,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal offer event: %w", err)
	}

	subject := fmt.Sprintf(offerSubjectFmt, offer.AuctionID)
	ack, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(offer.FallbackLogID))
	if err != nil {
		return fmt.Errorf("failed to publish offer to %s: %w", subject, err)
	}
	n.logger.Debug("published fallback offer",
		"component", "notify",
		"subject", subject,
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// Log writes offers to a structured logger. It is used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Log{logger: logger}
}

func (n *Log) NotifyFallbackOffer(_ context.Context, offer core.FallbackOffer) error {
	n.logger.Info("fallback offer",
		"component", "notify",
		"auction_id", offer.AuctionID,
		"result_id", offer.AuctionResultID,
		"bidder", offer.BidderAddress,
		"amount", offer.Amount.String(),
		"attempt", offer.Attempt,
		"offer_expires_at", offer.OfferExpiresAt,
	)
	return nil
}
