package llmclient

import (
	"fmt"

	"go.uber.org/zap"
)

// Tier selects which model class serves a request.
type Tier string

const (
	// TierFast serves cheap, latency-sensitive calls such as cycle summaries.
	TierFast Tier = "fast"
	// TierPowerful serves user-facing answers and anything needing reasoning.
	TierPowerful Tier = "powerful"
)

// Router fans requests out to the client configured for each tier.
type Router struct {
	logger  *zap.Logger
	clients map[Tier]Client
}

// NewRouter creates a router over the two tier clients.
func NewRouter(logger *zap.Logger, fast, powerful Client) (*Router, error) {
	if fast == nil || powerful == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[Tier]Client{
			TierFast:     fast,
			TierPowerful: powerful,
		},
	}, nil
}

// ForTier returns the client serving the given tier, defaulting to powerful.
func (r *Router) ForTier(tier Tier) Client {
	if c, ok := r.clients[tier]; ok {
		return c
	}
	r.logger.Debug("Unknown tier requested, defaulting to powerful", zap.String("tier", string(tier)))
	return r.clients[TierPowerful]
}
