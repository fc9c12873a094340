package service

import (
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/domain/negotiation"
	"github.com/parleyhq/parley/internal/domain/protocol"
)

// OfferMimeType marks a data part carrying a task offer descriptor.
// A message whose first data part uses this type goes through
// negotiation before a task is created.
const OfferMimeType = "application/vnd.a2a.offer+json"

// Negotiator binds the pure scoring engine to this host's catalog and
// live load telemetry.
type Negotiator struct {
	catalog         []negotiation.Skill
	queueDepth      func() int
	defaultMinScore float64
}

// NewNegotiator builds a negotiator. queueDepth may be nil when no
// load signal is available.
func NewNegotiator(catalog []negotiation.Skill, queueDepth func() int, defaultMinScore float64) *Negotiator {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &Negotiator{
		catalog:         catalog,
		queueDepth:      queueDepth,
		defaultMinScore: defaultMinScore,
	}
}

// Evaluate scores one offer against the host catalog. An offer without
// its own threshold inherits the configured default.
func (n *Negotiator) Evaluate(offer negotiation.Offer) negotiation.Decision {
	if offer.MinScore == 0 {
		offer.MinScore = n.defaultMinScore
	}
	return negotiation.Decide(offer, n.catalog, negotiation.Telemetry{QueueDepth: n.queueDepth()})
}

// ExtractOffer pulls an offer descriptor out of the message, if one is
// attached. Returns nil when the message carries no offer.
func ExtractOffer(msg *protocol.Message) (*negotiation.Offer, error) {
	for _, part := range msg.Parts {
		if part.Data == nil || part.Data.MimeType != OfferMimeType {
			continue
		}
		var offer negotiation.Offer
		if err := json.Unmarshal(part.Data.Bytes, &offer); err != nil {
			return nil, fmt.Errorf("%w: malformed offer descriptor: %v", domain.ErrValidation, err)
		}
		return &offer, nil
	}
	return nil, nil
}
