// Package api exposes the conversation core over HTTP/JSON: chat turns,
// approval decisions, thread snapshots, the skill menu, health and metrics.
package api
