// Package scheduler implements C9: a cooperative task executor sharing
// the same single-threaded event-loop model as the rest of the fabric.
// No task occupies a dedicated OS thread; long-running task bodies are
// expected to respect ctx and yield at bounded work units the way every
// other SLMF component yields at await points (§5).
package scheduler
