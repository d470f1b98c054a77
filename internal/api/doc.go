// Package api implements the front door shared by the HTTP daemon and the
// CLI: job submission, status, artifact download and cancellation.
//
// Service never runs tools. It validates uploads, writes the input to the
// artifact store, creates the PENDING record and hands the id to the broker.
// The DTOs in types.go are the JSON wire format the CLI decodes.
package api
