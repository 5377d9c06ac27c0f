// Package sessions owns the session state machine and the one-to-one
// mapping between sessions and isolation units.
//
// Lifecycle:
//
//	Create  -> STARTING  (admission recorded, unit being created)
//	        -> RUNNING   (unit up, idle and lifetime timers armed)
//	Destroy -> DESTROYING -> DESTROYED (explicit or shutdown)
//	timer   -> DESTROYING -> EXPIRED   (idle or max lifetime)
//
// Every trigger converges on one guarded transition out of STARTING or
// RUNNING, so the unit is destroyed exactly once no matter how many paths
// race. Ended sessions stay behind as tombstones so late lookups report
// EXPIRED or DESTROYED rather than not found.
//
// # Log Prefixes
//
// All log lines use the [session-mgr] prefix.
package sessions
