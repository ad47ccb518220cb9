// Command freecad-core runs the backup, recovery, and job-orchestration
// core as a CLI: job submission/query/cancel, backup/restore, and
// point-in-time/disaster recovery invocation. It starts no HTTP server.
//
// Exit codes: 0 success, 1 general error, 2 usage error, 3 configuration
// error, 4 authorization/lock error, 5 connectivity error (storage,
// Redis, or an external collaborator).
package main

import (
	"os"

	"github.com/cncaiprojem/freecad-core/cli"
)

func main() {
	os.Exit(cli.Execute())
}
