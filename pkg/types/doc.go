/*
Package types defines the shared data model for poolwarden: node
configuration, observed node state, and the records exchanged between
FleetManager, NodeMonitor, TelemetryPublisher, and SlotPackager.

# Core types

Node lifecycle:
  - NodeState: UNKNOWN, STARTED, BOOTSTRAPPING, STOPPED
  - NodeConfig: per-node settings loaded by ConfigStore
  - NodeStats: a single tip observation (height, hash, date, uptime, version)

Fleet coordination:
  - LeaderRecord: an opaque leader-id paired with the node that holds it
  - LeaderLogEntry: one raw slot-schedule entry reported by a node
  - SlotAssignment: the recorded schedule for one epoch, bounded to the
    two most recent epochs by FleetManager

External aggregator:
  - TipRecord: the "my tip" payload sent to the pool-tool aggregator
  - PoolToolConfig / PoolToolEndpoint / SendSlotsConfig: aggregator
    endpoints and the active slot-verification mode

Errors:
  - CLIError: a classified, non-zero node CLI invocation
  - SupervisorError: a failed process-supervisor RPC call

# Design patterns

Enums are plain typed ints with a String() method (NodeState,
CLIErrorKind), matching how small fixed-alphabet values are modeled
elsewhere in this codebase. Optional/external-only config shapes
(EmailConfig) are kept here purely so ConfigStore can expose a typed
getter, even though the collaborator that consumes them lives outside
this module's scope.

# Thread safety

Values in this package carry no synchronization of their own: NodeMonitor
mutates its own ObservedNode-shaped fields under its private mutex and
hands out copies; FleetManager reads them without locking and must
tolerate partial visibility between a state transition and its stats.
*/
package types
