// Package events distributes trade events: to live WebSocket subscribers
// through Hub, and to read replicas through a Redis channel and stream.
package events

import (
	"context"

	"github.com/mbd888/steamtrader/internal/trade"
)

// Fanout emits each event to every emitter in order.
type Fanout []trade.EventEmitter

func (f Fanout) Emit(ctx context.Context, ev trade.Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}
