// Package syncer keeps local state synchronized with a remote coordinator
// over a persistent duplex connection.
//
// The Manager drives a three-state connection machine:
//
//	disconnected -> connecting -> connected
//	      ^                           |
//	      +------- (close/error) -----+
//
// Any close that was not requested through Disconnect schedules a reconnect
// with delay base * 2^(attempt-1), saturating at MaxDelay, and publishes
// TopicReconnect with the attempt and delay. Once MaxReconnectAttempts consecutive
// attempts have failed the Manager publishes TopicMaxReconnects and stays
// disconnected until Reconnect is called.
//
// While connected a heartbeat pings the remote every HeartbeatInterval; a
// connection that has not answered for two intervals is dropped. Outbound
// messages sent while disconnected wait in a bounded FIFO offline queue and
// are flushed on the next connect.
//
// Inbound data passes through a per-domain conflict Resolver, which is
// consulted only when the locally known version is strictly newer than the
// incoming one. Accepted data is delivered to OnData listeners and then
// published on the bus as TopicData.
//
// The transport is a port (Dialer/Conn); WebSocketDialer is the production
// adapter.
package syncer
