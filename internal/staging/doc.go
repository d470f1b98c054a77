// Package staging sweeps the local stage work directory.
//
// The stage runner creates <work_dir>/<job id>/<attempt> for every stage
// attempt and removes the attempt directory when the tool exits. A daemon
// killed mid-stage leaves those directories behind; the daemon sweeps every
// job directory that does not belong to a live job on startup.
package staging
