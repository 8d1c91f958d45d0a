// Package history keeps a local record of confirmed channel changes.
//
// Every state change the amplifier confirms is written to the
// channel_state_history table in SQLite (see migrations/). The record
// survives restarts and is available when InfluxDB is not configured.
//
// Entries are listed newest first with a default page of 50 and a maximum
// of 200. A PruneScheduler deletes entries older than the configured
// retention on a cron schedule (default 03:00 daily).
package history
