package xmv

import (
	"fmt"
	"time"
)

// minKeepAliveCheck bounds how often the monitor wakes up.
const minKeepAliveCheck = 10 * time.Millisecond

// keepAlive watches inbound traffic while the session is Connected.
//
// Any inbound line counts as traffic: probe replies, command answers and
// device pushes alike. After KeepAliveInterval of silence it sends a
// devstatus probe. After StaleThreshold of silence it fails the session
// once with ErrStaleConnection and exits; the run loop does the rest.
func (c *Client) keepAlive(s *session) {
	defer s.wg.Done()

	interval := c.cfg.KeepAliveInterval
	stale := c.cfg.StaleThreshold

	period := min(interval, stale/3)
	if period < minKeepAliveCheck {
		period = minKeepAliveCheck
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var lastProbe time.Time

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, c.lastRx.Load()))

			if idle >= stale {
				c.staleDetections.Add(1)
				err := fmt.Errorf("%w: %w: no traffic for %s", ErrTransport, ErrStaleConnection, idle.Round(time.Millisecond))
				c.logError("connection stale, forcing reconnect", err)
				s.fail(err)
				return
			}

			if idle >= interval && now.Sub(lastProbe) >= interval {
				lastProbe = now
				c.logDebug("sending keep-alive probe", "idle", idle.Round(time.Millisecond).String())
				if err := c.writeTo(s, now.Add(c.cfg.WriteTimeout), Encode(Handshake{})); err != nil {
					return
				}
			}
		}
	}
}
