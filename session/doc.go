// Package session maps caller-visible session ids to long-lived sandboxes.
//
// A session owns exactly one sandbox for its whole lifetime. The sandbox is
// created lazily on first use and destroyed only by an explicit Destroy or
// DestroyAll; sessions do not expire.
//
// Lookups on different ids never block each other: the registry map is held
// only long enough to find or insert an entry, and provisioning happens under
// the entry's own lock.
package session
