// Package state owns the persisted pipeline lifecycle record.
//
// The record is a single JSON file (state.json). Every write goes to a
// private side file which is fsynced and renamed over the canonical path, so
// a crash leaves either the previous record or the new one.
//
// The transition table:
//
//	IDLE               -> RUNNING_TRANSLATOR
//	RUNNING_TRANSLATOR -> RUNNING_ANALYZER | FAILED
//	RUNNING_ANALYZER   -> RUNNING_MERGER   | FAILED
//	RUNNING_MERGER     -> SUCCESS          | FAILED
//	SUCCESS            -> IDLE
//	FAILED             -> IDLE
//
// Anything else is a *TransitionRejected with reason invalid_edge and leaves
// the record untouched. Records that fail to parse, name an unknown state,
// regress the generation counter or carry an active run id that disagrees
// with the state are corrupt; RecoverIfCorrupted copies them aside and
// writes a fresh IDLE record.
package state
