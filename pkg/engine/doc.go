// Package engine implements dependency-ordered pipeline execution for
// content-processing workflows.
//
// Architecture:
//
// engine.go        - Orchestrator (Engine, Execute, step tracking, output assembly)
// resolver.go      - Config validation and topological ordering (execution plans)
// executor.go      - Single-step invocation with timeout enforcement and panic recovery
// recovery.go      - Error recovery strategies (fail, skip, retry, fallback)
// condition.go     - Compiled condition gates over the execution context
// monitor.go       - Background resource sampling and threshold alerts
// registry.go      - Step processor registry and one-time initialization
// metrics.go       - Prometheus collectors for runs, steps, retries and alerts
// parallel.go      - Opt-in level-parallel execution of independent siblings
// steps_builtin.go - Built-in step types (passthrough, static, checksum)
//
// The engine is responsible for running declared step graphs over input
// artifacts: it validates configs up front, executes steps in dependency
// order, gates them on conditions, bounds each with a timeout, and applies
// the configured recovery strategy when a step fails.
package engine
