// Package stagerun executes one pipeline stage as an external process.
//
// Each attempt gets a private directory under the configured work dir with
// the input artifact materialized beside an empty output directory. The tool
// runs in its own process group under the descriptor's timeout; on expiry the
// whole group is killed. Combined output lands in tool.log and only a bounded
// tail of it travels with a failure. A successful attempt uploads the chosen
// output file to the artifact store.
package stagerun
