/*
Package events provides the in-process broadcast broker used to fan a
single stream of lifecycle events out to multiple consumers without
coupling the publisher to how many are listening.

Producers (the Orchestrator, after each successful Status Store
AppendEvent) publish once; any number of subscribers (the Event Bus Adapter driving the
configured external backend, migratectl's watch/status commands, or a
test harness) each get their own buffered channel. A slow or absent
subscriber never blocks the publisher: Publish only blocks on the
broker's own internal queue, and broadcast drops to a subscriber whose
buffer is full rather than waiting on it, so in-process consumers share
the same fire-and-forget semantics as the Event Bus Adapter's
at-least-once delivery across the wire.

This package only implements fan-out. Ordering per migration id and
the external bus backends (broker_a/broker_b) are the Event Bus
Adapter's responsibility, built on top of a Subscribe() channel from
this package. Neither this package nor the adapter deduplicates events.
*/
package events
