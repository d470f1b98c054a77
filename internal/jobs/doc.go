// Package jobs defines the job record, its state machine and the Store
// contract the record backends implement.
//
// A job moves PENDING -> RUNNING -> (STAGE_FAILED -> RUNNING)* and ends in
// exactly one of SUCCEEDED, FAILED or CANCELLED. Terminal records are read
// only: every mutator returns ErrTerminal, and CheckSave rejects writes to a
// stored terminal record so a late writer cannot resurrect it.
package jobs
