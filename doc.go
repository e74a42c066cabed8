// Package subcore implements the subscription registry and shared-memory
// event dispatch subsystem at the core of a YANG-based configuration and
// telemetry datastore: the mechanism that connects publishers (sessions
// performing edits, RPC invokers, notification senders) to subscribers
// (client callbacks validating changes, serving operational state, handling
// RPCs/actions, or receiving notifications) across processes attached to
// one shared memory region.
//
// The package is organized leaf-first, mirroring the component split in
// the design: shm (region + offsets), shmlock (timed multi-mode locks),
// subreg (the in-process subscription registry), shmindex (the SHM-visible
// mirror of the registry), evchan (per-topic event channels), commit (the
// multi-phase delivery engine), liveness (dead-subscriber detection), and
// eventpipe (the one-shot wake descriptor used to integrate with an
// external event loop), plus the leaf packages errcode, xlog, xobserve,
// and xhealth that those components and this root package both depend on
// without creating an import cycle. This root package holds the data
// model itself: Connection and Session.
package subcore
