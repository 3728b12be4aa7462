// Package workflow is a durable step runner. A Definition names an ordered
// list of steps; the Runner executes one Instance of it at a time per
// business key, checkpoints every completed step's output in the Store
// before starting the next, and resumes at the first unexecuted step after
// a restart. Each step declares its own retry limit and fixed delay between
// attempts. A step that exhausts its retries fails the instance, and failed
// is terminal.
package workflow
