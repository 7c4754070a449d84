// Package engine provides admission and asynchronous dispatch of inference
// tasks. Submit records a pending result and places the task on the bounded
// work queue; a pool of workers drains the queue, calls the backend with a
// per-call deadline and writes exactly one terminal result per task.
package engine
