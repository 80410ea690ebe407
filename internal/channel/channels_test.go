package channel

import (
	"context"
	"testing"
	"time"

	"arbiflow/models"
)

func TestSendOpportunity(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	op := models.Opportunity{Symbol: "BTCUSDT", ProfitPercent: 1.2, DetectedAt: time.Now()}
	if !c.SendOpportunity(context.Background(), op) {
		t.Fatalf("send into empty buffer must succeed")
	}

	got := <-c.Opportunities
	if got.Symbol != "BTCUSDT" {
		t.Fatalf("wrong opportunity received: %+v", got)
	}

	stats := c.GetStats()
	if stats.OpportunitiesSent != 1 || stats.OpportunitiesDropped != 0 {
		t.Fatalf("wrong stats: %+v", stats)
	}
}

func TestSendOpportunityDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	op := models.Opportunity{Symbol: "ETHUSDT"}

	if !c.SendOpportunity(ctx, op) {
		t.Fatalf("first send must succeed")
	}
	if c.SendOpportunity(ctx, op) {
		t.Fatalf("send into full buffer must drop")
	}

	stats := c.GetStats()
	if stats.OpportunitiesSent != 1 || stats.OpportunitiesDropped != 1 {
		t.Fatalf("wrong stats after drop: %+v", stats)
	}
}
