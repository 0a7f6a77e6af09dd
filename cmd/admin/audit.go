package main

import (
	"flag"
	"io"

	persistlog "refuge.voxelcraft.ai/internal/persistence/log"
)

// auditCmd prints the audit trail from the hourly log files, which unlike the db index
// never drop entries.
func auditCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	user := fs.String("user", "", "only entries for this actor")
	action := fs.String("action", "", "only entries with this action (e.g. REFUGE_DEATH)")
	sinceTick := fs.Uint64("since_tick", 0, "only entries at or after this tick")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := persistlog.ReadAudit(*dataDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if *user != "" && e.Actor != *user {
			continue
		}
		if *action != "" && e.Action != *action {
			continue
		}
		if e.Tick < *sinceTick {
			continue
		}
		if err := writeJSON(out, e); err != nil {
			return err
		}
	}
	return nil
}
