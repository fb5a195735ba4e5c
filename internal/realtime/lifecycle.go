package realtime

import (
	"context"
	"time"
)

// Run starts the engine's background loops and blocks until ctx is done:
// the session-invalidation subscriber, the idle-replica sweep and the
// admission-limiter GC. Heartbeats live in the per-connection write pumps;
// a peer that stops answering pings times out on its read deadline and
// goes through the normal teardown path.
func (h *Hub) Run(ctx context.Context) {
	invalidations := h.sessions.SubscribeInvalidations(ctx)

	sweep := time.NewTicker(h.cfg.IdleDocSweepInterval)
	defer sweep.Stop()
	guardGC := time.NewTicker(h.cfg.HandshakeWindow)
	defer guardGC.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case sessionID, ok := <-invalidations:
			if !ok {
				h.log.Warn().Msg("session invalidation stream closed")
				invalidations = nil
				continue
			}
			h.log.Info().Str("session", sessionID).Msg("session invalidated")
			h.CloseSession(sessionID)

		case <-sweep.C:
			h.docs.EvictIdle()

		case <-guardGC.C:
			h.guard.GC()
		}
	}
}
