// Package work implements the background run processor that executes
// submitted backtests.
//
// # Execution model
//
// Runs are submitted over HTTP, registered in the results store in the
// running state, and queued FIFO. A single worker drains the queue:
//
//   - One job executes at a time. A run's ledger appends are therefore
//     strictly ordered, and two jobs can never interleave writes under
//     the same run id.
//   - Each job runs under a timeout (BACKTEST_RUN_TIMEOUT). A job that
//     exceeds it is cancelled at the next epoch boundary and marked
//     failed.
//   - There is no retry queue. Backtests are deterministic: a failed
//     job fails identically on every attempt, so retrying only burns
//     compute. Failures are terminal and carry the error in the
//     results store.
//
// # Wake-ups
//
// The processor sleeps until triggered. Submissions trigger it
// directly; POST /work/trigger wakes it manually after a restart with
// queued state. Triggers are collapsed - many triggers while a job is
// executing result in exactly one queue check afterwards.
package work
