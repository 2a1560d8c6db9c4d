// Package engine implements the tick-quantized task scheduling engine.
//
// The engine is embedded in a host simulation process. The host owns pacing:
// it calls Service.Tick(worker, now) once per quantum from each region
// worker's own loop (a single-threaded host degenerates to one worker).
// The engine never starts a timer of its own.
//
// Tasks are one generic record parameterized by an affinity binding:
//   - unbound tasks (Sync/Global/Async) run on the main worker or the shared
//     async pool,
//   - bound tasks (Entity/Location) run on whichever worker currently owns
//     the bound object, re-resolved before every execution because ownership
//     migrates between runs.
//
// A bound task whose target no longer exists is retired instead of executed.
// Task bodies run inside a panic/error boundary; a failing body never
// destabilizes the worker loop that ran it.
package engine
