package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"refuge.voxelcraft.ai/internal/persistence/savedb"
	"refuge.voxelcraft.ai/internal/persistence/snapshot"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/tuning"
)

const usage = `usage: admin <command> [flags]

offline (stop the server first):
  list                       every refuge, one JSON object per line
  inspect -user NAME         record, return position and recent audit rows
  scan -x X -y Y             the refuge whose grid cell contains (X, Y)
  assign -user NAME -slot N  place NAME's refuge at grid slot N
  delete -user NAME          drop NAME's record (world blocks stay)
  export -out FILE           write the save store to a backup file
  import -in FILE            load a backup into the save store
  audit [-user NAME]         audit trail from the log files

online:
  state -url URL             server state
  backup -url URL            ask the server to write a backup now
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return flag.ErrHelp
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return listCmd(rest, out)
	case "inspect":
		return inspectCmd(rest, out)
	case "scan":
		return scanCmd(rest, out)
	case "assign":
		return assignCmd(rest, out)
	case "delete":
		return deleteCmd(rest, out)
	case "export":
		return exportCmd(rest, out)
	case "import":
		return importCmd(rest, out)
	case "audit":
		return auditCmd(rest, out)
	case "state":
		return stateCmd(rest, out)
	case "backup":
		return backupCmd(rest, out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// store is an offline handle on the save store and the registry over it.
type store struct {
	db  *savedb.DB
	reg *registry.Registry
}

type storeFlags struct {
	dataDir    *string
	tuningPath *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		dataDir:    fs.String("data", "./data", "runtime data directory"),
		tuningPath: fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml"),
	}
}

func (f storeFlags) open() (*store, error) {
	tune, err := tuning.Load(*f.tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		tune = tuning.Defaults()
	}
	db, err := savedb.Open(filepath.Join(*f.dataDir, "refuge.sqlite"))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(db, nil, tune, nil, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db: db, reg: reg}, nil
}

func (s *store) Close() error { return s.db.Close() }

// row is the operator view of one record.
type row struct {
	*registry.Record
	ReturnPosition *registry.ReturnPosition `json:"returnPosition,omitempty"`
	Audit          []savedb.AuditRow        `json:"audit,omitempty"`
}

func (s *store) row(rec *registry.Record) row {
	r := row{Record: rec}
	if rp, ok := s.reg.PeekReturnPosition(rec.Username); ok {
		r.ReturnPosition = &rp
	}
	return r
}

func writeJSON(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("missing -user")
	}
	return nil
}

func listCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	for _, rec := range s.reg.All() {
		if err := writeJSON(out, s.row(rec)); err != nil {
			return err
		}
	}
	return nil
}

func inspectCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	user := fs.String("user", "", "username")
	limit := fs.Int("limit", 20, "audit rows to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireUser(*user); err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	rec, ok := s.reg.Get(*user)
	if !ok {
		return fmt.Errorf("no refuge for %s", *user)
	}
	r := s.row(rec)
	// Audit rows are written asynchronously; a running server may not have flushed yet.
	if r.Audit, err = s.db.AuditsFor(*user, *limit); err != nil {
		return err
	}
	return writeJSON(out, r)
}

func scanCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	x := fs.Int("x", 0, "world x")
	y := fs.Int("y", 0, "world y")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	rec, ok := s.reg.FindByCoordinate(*x, *y)
	if !ok {
		return fmt.Errorf("no refuge owns (%d,%d)", *x, *y)
	}
	return writeJSON(out, s.row(rec))
}

func assignCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("assign", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	user := fs.String("user", "", "username")
	slot := fs.Int("slot", -1, "grid slot")
	by := fs.String("by", "admin-cli", "operator recorded on the record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireUser(*user); err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	rec, err := s.reg.Assign(*user, *slot, *by)
	if err != nil {
		return err
	}
	return writeJSON(out, s.row(rec))
}

func deleteCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	user := fs.String("user", "", "username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireUser(*user); err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	if _, ok := s.reg.Get(*user); !ok {
		return fmt.Errorf("no refuge for %s", *user)
	}
	if err := s.reg.Delete(*user); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted refuge %s\n", registry.RefugeIDFor(*user))
	return nil
}

func exportCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	path := fs.String("out", "", "backup file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return errors.New("missing -out")
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	snap, err := snapshot.Capture(s.db, 0, time.Now().Unix())
	if err != nil {
		return err
	}
	if err := snapshot.WriteSnapshot(*path, snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "export ok: records=%d return_positions=%d out=%s\n", len(snap.Records), len(snap.ReturnPositions), *path)
	return nil
}

func importCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	path := fs.String("in", "", "backup file to read")
	replace := fs.Bool("replace", false, "delete records absent from the backup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return errors.New("missing -in")
	}
	snap, err := snapshot.ReadSnapshot(*path)
	if err != nil {
		return err
	}
	s, err := sf.open()
	if err != nil {
		return err
	}
	defer s.Close()
	if err := snapshot.Restore(s.db, snap, *replace); err != nil {
		return err
	}
	fmt.Fprintf(out, "import ok: records=%d tick=%d replace=%v\n", len(snap.Records), snap.Header.Tick, *replace)
	return nil
}
