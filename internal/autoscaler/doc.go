// Package autoscaler implements the replica controller: a single-goroutine
// loop that reads the aggregate request rate, compares the proportional
// replica target against the live replica count and issues a scale command
// only when they differ.
package autoscaler
