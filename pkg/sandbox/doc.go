// Package sandbox defines the Sandbox Driver abstraction the scheduler
// depends on: allocate a per-job workspace, spawn a Builder or Checker
// into it, supervise the resulting sandbox, and tear both down. The
// production Driver is backed by containerd; pkg/sandbox/sandboxtest
// carries an in-memory fake for tests.
package sandbox
