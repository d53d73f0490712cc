package pgsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ///////////////////////////////////////////////
// Subscribe
// ///////////////////////////////////////////////

// ListenStatement returns one combined LISTEN statement for channels, each
// name quoted as an identifier so case and punctuation survive. It returns
// "" for no channels.
func ListenStatement(channels []string) string {
	if len(channels) == 0 {
		return ""
	}
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = "LISTEN " + pgx.Identifier{ch}.Sanitize()
	}
	return strings.Join(parts, "; ")
}

// Subscribe registers c for every channel in one round trip. No channels is a
// no-op. Notifications that arrive while the statement runs are queued on c,
// so the next wait sees them as buffered.
func Subscribe(ctx context.Context, c *Conn, channels []string) error {
	if c.closed {
		return ErrClosed
	}
	stmt := ListenStatement(channels)
	if stmt == "" {
		return nil
	}
	// Simple protocol: a multi-statement string cannot be prepared.
	if _, err := c.pg.PgConn().Exec(ctx, stmt).ReadAll(); err != nil {
		return fmt.Errorf("listen on %d channel(s): %w", len(channels), err)
	}
	return c.Refresh(ctx)
}

// ///////////////////////////////////////////////
// Publish
// ///////////////////////////////////////////////

// Publish sends payload on channel through src. Parameters are bound, so any
// payload text is safe. A connection opened for the call is closed before
// Publish returns.
//
// Publishing through an [Existing] source that a running loop is listening on
// is not allowed; the loop owns its connection.
func Publish(ctx context.Context, src Source, channel, payload string) error {
	return src.do(ctx, func(ctx context.Context, pg *pgx.Conn) error {
		if _, err := pg.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
			return fmt.Errorf("notify %q: %w", channel, err)
		}
		return nil
	})
}
