// Package ws serves the governor's live event feed over WebSocket.
//
// A client first receives a snapshot frame holding the recent backlog, then
// one frame per event. The feed is best effort: a slow client misses events
// (the running count is carried as "dropped") but never slows the emitter.
// Every close carries a reason: orchestrator_unavailable, server_shutdown or
// unsubscribed.
package ws
