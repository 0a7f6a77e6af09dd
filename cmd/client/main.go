package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"refuge.voxelcraft.ai/internal/env"
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/persistence/savedb"
	"refuge.voxelcraft.ai/internal/refuge/client"
	"refuge.voxelcraft.ai/internal/refuge/server"
	"refuge.voxelcraft.ai/internal/transport/loopback"
	"refuge.voxelcraft.ai/internal/transport/ws"
	"refuge.voxelcraft.ai/internal/tuning"
)

func main() {
	var (
		url          = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name         = flag.String("name", "player", "username")
		singleplayer = flag.Bool("singleplayer", false, "run the server in this process instead of dialing -url")
		dataDir      = flag.String("data", "./data", "save directory for -singleplayer")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (optional)")
		envFile      = flag.String("env", ".env", "optional env file with REFUGE_* overrides")
		start        = flag.String("start", "100,100,0", "starting position x,y,z")
		upgradeArg   = flag.String("upgrade", "", "upgrade to buy while inside, as id:level (optional)")
		relicArg     = flag.String("relic", "", "relic corner offset dx,dy to move to while inside (optional)")
		timeout      = flag.Duration("timeout", 2*time.Minute, "give up after this long")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	if p := strings.TrimSpace(*envFile); p != "" {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				logger.Fatalf("load env: %v", err)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("REFUGE_USERNAME")); v != "" && !flagSet("name") {
		*name = v
	}
	if v := strings.TrimSpace(os.Getenv("REFUGE_URL")); v != "" && !flagSet("url") {
		*url = v
	}

	tune := tuning.Defaults()
	if p := strings.TrimSpace(*tuningPath); p != "" {
		t, err := tuning.Load(p)
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = t
	}

	pos, err := parseInts(*start, 3)
	if err != nil {
		logger.Fatalf("bad -start: %v", err)
	}
	sc := &script{
		gap:    time.Duration(tune.RateLimits.CommandIntervalMs+100) * time.Millisecond,
		logger: logger,
	}
	if *upgradeArg != "" {
		id, lvl, ok := strings.Cut(*upgradeArg, ":")
		n, err := strconv.Atoi(lvl)
		if !ok || err != nil || id == "" {
			logger.Fatalf("bad -upgrade %q: want id:level", *upgradeArg)
		}
		sc.upgradeID, sc.upgradeLevel = id, n
	}
	if *relicArg != "" {
		d, err := parseInts(*relicArg, 2)
		if err != nil {
			logger.Fatalf("bad -relic: %v", err)
		}
		sc.relic = &[2]int{d[0], d[1]}
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	var conn client.Transport
	flags := env.Flags(env.StaticFlags{Client: true, Ready: true})
	if *singleplayer {
		srv, closeSrv, err := startLocal(ctx, tune, *dataDir, logger)
		if err != nil {
			logger.Fatalf("singleplayer: %v", err)
		}
		defer closeSrv()
		lc, err := loopback.Dial(ctx, srv, *name)
		if err != nil {
			logger.Fatalf("join: %v", err)
		}
		conn = lc
		flags = env.StaticFlags{Ready: true}
	} else {
		wc, err := ws.Dial(ctx, *url, *name)
		if err != nil {
			logger.Fatalf("dial: %v", err)
		}
		conn = wc
	}
	defer conn.Close()

	w := conn.Welcome()
	logger.Printf("WELCOME session=%s user=%s mode=%s tick_rate=%d", w.SessionID, w.Username, w.Mode, w.TickRateHz)

	c, err := client.New(conn, client.Config{
		Tuning: tune,
		Flags:  flags,
		Log:    logger,
		Start:  host.Vec3{X: pos[0], Y: pos[1], Z: pos[2]},
	})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}
	c.SetState(c.State())
	c.RequestModData()

	if err := c.Run(ctx, sc.step); err != nil {
		logger.Fatalf("run: %v (stage %d, phase %s)", err, sc.stage, c.Phase())
	}
	if sc.err != nil {
		logger.Fatalf("%v", sc.err)
	}
}

// startLocal runs a refuge server inside this process with a private save file.
func startLocal(ctx context.Context, tune tuning.Tuning, dataDir string, logger *log.Logger) (*server.Server, func(), error) {
	db, err := savedb.Open(filepath.Join(dataDir, "singleplayer.sqlite"))
	if err != nil {
		return nil, nil, err
	}
	srv, err := server.New(server.Config{
		Tuning: tune,
		Flags:  env.StaticFlags{Ready: true},
		Store:  db,
		Audit:  db,
		Log:    log.New(logger.Writer(), "[server] ", logger.Flags()),
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(runCtx)
	}()
	return srv, func() {
		stop()
		<-done
		_ = db.Close()
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated integers, got %q", n, s)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.New("not an integer: " + p)
		}
		out[i] = v
	}
	return out, nil
}
