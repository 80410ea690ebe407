package channel

import (
	"context"
	"sync"

	"arbiflow/logger"
	"arbiflow/models"
)

type ChannelStats struct {
	OpportunitiesSent    int64
	OpportunitiesDropped int64
}

// Channels carries detected opportunities from the detector to its
// consumers (the batch writer, monitoring). Sends never block: when the
// buffer is full the opportunity is dropped and counted.
type Channels struct {
	Opportunities chan models.Opportunity

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(opportunityBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Opportunities: make(chan models.Opportunity, opportunityBuffer),
		log:           log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"opportunity_buffer": opportunityBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Opportunities)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) SendOpportunity(ctx context.Context, op models.Opportunity) bool {
	select {
	case c.Opportunities <- op:
		c.statsMutex.Lock()
		c.stats.OpportunitiesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.OpportunitiesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
