// Package telemetry wires OpenTelemetry exporters and meters for the
// pipeline engine.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers helpers that emit step execution counters and latency histograms
// so operators can correlate pipeline behaviour across runs.
package telemetry
