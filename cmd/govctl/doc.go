// Command govctl controls and inspects a pipeline governor server.
//
// Commands:
//
//	status                 state, active run, lock and health
//	start                  start a run
//	reset                  SUCCESS/FAILED -> IDLE
//	stage <name> [-p k=v]  diagnostic single-stage run
//	runs                   run history from the audit log
//	events <run-id>        one run's audit trail
//	tail                   follow the live event feed
//	audit verify <path>    offline audit log check
//
// Exit codes: 0 ok, 1 rejected or failed, 2 governor degraded or
// unreachable.
package main
