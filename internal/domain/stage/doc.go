// Package stage defines the boundary between the orchestrator and the three
// pipeline stages (translator, analyzer, merger).
//
// A Collaborator is a black box: it receives an immutable Input and returns
// exactly one Result, Success with outputs or Failure with a reason. It owns
// the correctness of its own data; ordering and lifecycle belong to the
// orchestrator. Progress is reported through the Input's Reporter, which the
// orchestrator binds to the audit trail.
//
// Command runs a stage as an external process described in a pipeline
// definition file (YAML or TOML). Declared input globs must match before the
// process starts and declared output globs must match after it exits; a
// missing file is a failure, never an inferred success.
package stage
