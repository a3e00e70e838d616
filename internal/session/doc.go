// Package session persists conversation threads between requests.
//
// A thread is stored as an opaque versioned Record; the agent package owns the
// encoding of the payload. Writes are optimistic: every Save must carry the
// previous version plus one. Three backends are available (memory, Redis and
// MySQL) together with a Locker that serializes turns on the same thread, either
// in-process or through a Redis lease shared by several replicas.
package session
