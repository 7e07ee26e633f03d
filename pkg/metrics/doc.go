/*
Package metrics defines and registers the Prometheus collectors poolwarden
exposes over /metrics, plus the /health and /ready handlers served alongside
it.

Gauges (MaxTip, LeaderCount, NodeState, NodeTip) are set inline by the
FleetManager at the end of each tick rather than collected on a separate
poll cycle, since the tick already holds a fresh snapshot of every node.
Counters (RestartsTotal, StuckTotal, SlotsSentTotal) are incremented at the
point of the event they count.

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())

RegisterComponent/UpdateComponent let independent subsystems (config store,
fleet manager, telemetry publisher) report their own health without an
import cycle back into those packages.
*/
package metrics
