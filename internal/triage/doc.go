// Package triage decides which feedback items are quietly high impact.
//
// The Classifier combines the deterministic severity score from package
// scoring with an AI judgment and persists at most one under-radar flag
// per feedback item. The BatchDetector sweeps a bounded window of recent
// feedback through the Classifier.
package triage
