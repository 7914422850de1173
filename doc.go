// Package authstate keeps a single authoritative "current user" value in sync
// with an identity provider session and the live user record of the signed in
// subject.
//
// Streams:
//   - SessionStream adapts the provider push notifications (SessionNotifier).
//   - RecordWatcher opens one live RecordStore subscription at a time. A
//     WatchHandle never delivers after Close returns.
//
// Coordination:
//   - Coordinator consumes both streams on a serial loop, in arrival order,
//     and publishes CurrentUserState values (None or Present(record)). Events
//     from a superseded watch are dropped, so the published record always
//     belongs to the most recent session.
//   - ReadinessGate fires once, with the first published state. Use it to
//     hold application startup until the initial auth state is known.
//
// Mutations:
//   - Service wraps the provider and store operations (register, sign-in,
//     federated sign-in, sign-out, profile update, password reset, ban flag).
//     It never writes coordinator state, the results come back through the
//     streams. Errors are normalized into ErrorKind values, use KindOf to
//     branch on them.
//
// Activity sinks:
//   - ActivitySink receives one ActivityEvent per mutation. Sinks run best
//     effort, errors are logged and never fail the operation.
package authstate
