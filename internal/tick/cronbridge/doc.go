// Package cronbridge maps wall-clock triggers onto the tick engine.
//
// Hosts register cron, interval or one-time schedules; when a trigger fires
// the bridge submits a one-shot unconstrained task into the engine. The
// bridge owns only trigger calculation:
//   - registering schedules (upsert by name)
//   - computing next fire times in the configured timezone
//   - submitting tasks into the tick engine
package cronbridge
