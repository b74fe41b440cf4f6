// Package paths defines the on-disk layout of the governor's data directory.
//
// # Directory Structure
//
//	<DATA_DIR>/
//	  ├── state.json                  (pipeline state record, write-replace)
//	  ├── state.json.corrupt-<nanos>  (records set aside by recovery)
//	  ├── run.lock                    (run lock record, created by hard link)
//	  └── audit.log                   (append-only NDJSON event log)
//
// Only the state and lock managers touch state.json and run.lock; only the
// event system appends to audit.log.
//
// # Usage
//
//	layout := paths.New(cfg.Storage.DataDir)
//	if err := layout.Ensure(); err != nil {
//	    return err
//	}
//	store := state.NewManager(layout.StatePath(), ...)
package paths
