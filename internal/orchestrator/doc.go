// Package orchestrator provides the core project orchestration functionality for devspin.
//
// The orchestrator ties the other packages together: it resolves the
// dependency stages of a project, leases ports, spawns processes, waits for
// them to become healthy and keeps the run record on disk current.
//
// # Starting a Project
//
// StartProject runs the stages of a project one after another:
//
//  1. Validate the project and apply the only/skip filters
//  2. Resolve the dependency stages
//  3. Refuse to start a project that is still running (stale records are cleaned)
//  4. Persist a fresh run record and run the pre_start hook
//  5. For every stage, start each service concurrently: reserve ports, spawn,
//     wait for the health checks (or the process exit) and persist
//  6. Continue with the next stage once every service of the stage is healthy
//
// The first failure aborts the run. Health waits in flight are cancelled, no
// further process is spawned, and everything that was started is stopped in
// reverse stage order. The StartReport names the failing service, the
// failing operation, its cause, every service that was never attempted and
// each rollback action.
//
// With DryRun set nothing is spawned or leased; the report carries the stage
// plan and any port conflicts that a real start would hit.
//
// # Stopping a Project
//
// StopProject works for projects started by this process as well as by an
// earlier invocation. Processes are stopped in reverse stage order with a
// SIGTERM to their process group, followed by SIGKILL once the grace period
// is over. Services that cannot be killed stay in the record and are
// reported; every other service is released.
//
// # Foreground Runs
//
// Supervise keeps an in-process run reconciled: crashed services are marked
// Crashed, their ports are released and the project becomes Degraded.
//
// # Metrics
//
// Start outcomes and durations, service stops, health probe attempts,
// crashes and running services are exported through the Prometheus
// registry returned by Registry.
//
// # Thread Safety
//
// Operations on the same project are serialized. Different projects only
// share the port lease table of the allocator.
package orchestrator
