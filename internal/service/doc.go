// Package service runs worker processes on behalf of the Courtyard API and
// the CLI.
//
// Overview
// The Supervisor validates a request, reserves its slot and answers with an
// Ack right away. The run itself continues in the background:
//
//	Supervisor            Runner                   worker
//	    |                   |                        |
//	launch -> Ack           |                        |
//	    | execute --------->| Run() ---------------->| exec.Start
//	    |                   | registry.Register      |
//	    |                   |<-- stdout (demux) -----| JSON lines
//	    |                   |<-- stderr (tail) ------|
//	    |                   | cmd.Wait, classify     | exit
//	    |<---- Outcome -----|                        |
//	    | promote or discard staging                 |
//	    | terminal event                             |
//
// Dataset generations write into a staging directory allocated by
// outdir.Manager. It becomes a version only when the worker exits with
// code 0, every other outcome removes it.
//
// Invariants:
//   - At most one dataset generation runs, at most one download per repository.
//   - The worker is registered for cancellation before its output is read.
//   - Every run ends with exactly one terminal event, unless the worker
//     reported its own error event, which then closes the run.
//   - Stdout and stderr are drained concurrently, neither can block the worker.
package service
