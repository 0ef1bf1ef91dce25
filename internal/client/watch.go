package client

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/job"
)

// WatchMessage is one frame of the job stream at /ws/jobs/{id}.
type WatchMessage struct {
	Type  string        `json:"type"`
	Job   *job.Snapshot `json:"job,omitempty"`
	Error string        `json:"error,omitempty"`
}

const (
	WatchTypeSnapshot = "snapshot"
	WatchTypeError    = "error"
)

// WatchJob subscribes to pushed snapshots of a job. The channel is closed
// after the terminal snapshot, when the server goes away, or when ctx ends.
func (c *Client) WatchJob(ctx context.Context, id string) (<-chan job.Snapshot, error) {
	u := c.base.JoinPath("ws", "jobs", id)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transport("Failed to watch job", err)
	}

	out := make(chan job.Snapshot)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			var msg WatchMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					c.logger.Warn("job stream ended", zap.String("job_id", id), zap.Error(err))
				}
				return
			}

			switch msg.Type {
			case WatchTypeSnapshot:
				if msg.Job == nil {
					continue
				}
				select {
				case out <- *msg.Job:
				case <-ctx.Done():
					return
				}
				if msg.Job.Status.IsTerminal() {
					return
				}
			case WatchTypeError:
				c.logger.Warn("job stream error", zap.String("job_id", id), zap.String("error", msg.Error))
				return
			default:
				c.logger.Debug("unknown job stream message", zap.String("type", strings.TrimSpace(msg.Type)))
			}
		}
	}()
	return out, nil
}
