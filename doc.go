// Package tipc is a type-safe adaptation layer over TIPC, the cluster
// transport which addresses endpoints by *service* rather than by host.
//
// ## How it works
//
// A TIPC cluster routes messages to a `ServiceAddress`, a (type, instance)
// pair, and the kernel resolves it to whichever `Socket`s bound it. Each
// socket also has a unique `SocketAddress` (node, reference) you can
// reply to.
//
// On top of the `Socket` handle, the package provides:
//
//   - Connection setup, either *explicit* with `Socket.Connect`, or
//     *implicit* by sending a first message with `Socket.SendTo` on an
//     unconnected SeqPacket or Stream socket. Both go through the same
//     state machine, observable with `Socket.State`.
//   - `Group`, a group communication engine. Members bind an instance of a
//     service type and exchange unicast, anycast, multicast and broadcast
//     messages, received in order and without loss as long as the sender
//     stays in the group. Senders are held back by a per-member window
//     of unacknowledged messages.
//   - `Subscription`, a client of the topology server streaming the
//     publications and withdrawals of services, nodes and links.
//
// Sockets talk to a `transport.Driver`: the Linux AF_TIPC driver by
// default, or the in-process cluster of [loopback] which is what the
// tests use, and what you can use when no TIPC kernel module is around.
//
// ## Failures
//
// A TIPC cluster is not infallible and the API does not pretend it is.
// Errors wrap one of the sentinels of this package (`ErrNoRouteToHost`,
// `ErrTimeout`, ...) and keep the underlying cause reachable with
// [errors.Is]. A datagram sent to a destination which does not exist is
// returned to you as a `MessageRejected` from `Socket.Receive`.
//
// Nothing is retried behind your back, except the topology subscription
// which resubscribes after losing its connection to the topology server,
// and a `Group` which sends again what an overloaded member returned.
//
// [loopback]: https://pkg.go.dev/github.com/raskyld/tipc/pkg/transport/loopback
package tipc
