// Package backend defines the contract between the dispatch workers and the
// inference service, plus an HTTP implementation that posts task payloads to
// the service's /infer endpoint and classifies every failure.
package backend
