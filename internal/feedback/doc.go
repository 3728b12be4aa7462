// Package feedback defines the domain records of the triage pipeline
// (feedback items, cases, under-radar flags and daily editions) and the
// Store interface every persistence backend implements.
package feedback
