// Command subcored is a minimal demonstration of wiring the subcore
// library end to end: load configuration, attach a connection, subscribe
// a change and an oper-get callback, commit an edit, and read the
// resulting operational data back. Real deployments embed the subcore
// package directly rather than running this binary; it exists the way the
// teacher's own cmd/modcli exists, as a thin, runnable worked example.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sysrepo-go/subcore"
	"github.com/sysrepo-go/subcore/commit"
	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/feeders"
	"github.com/sysrepo-go/subcore/liveness"
	"github.com/sysrepo-go/subcore/subreg"
	"github.com/sysrepo-go/subcore/xlog"
)

func main() {
	cfgPath := flag.String("config", "", "path to a TOML config file (optional)")
	flag.Parse()

	cfg := subcore.DefaultConfig()
	var fs []feeders.Feeder
	if *cfgPath != "" {
		fs = append(fs, feeders.TomlFeeder{Path: *cfgPath})
	}
	fs = append(fs, feeders.EnvFeeder{})
	if err := feeders.Load(cfg, fs...); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.ValidateConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	log := xlog.NewZapLogger(zlog)

	ownPID := os.Getpid()

	// engineRef is filled in once the engine exists, so the manager's
	// TerminatedNotifier (constructed first) can still reach it.
	var engineRef *commit.Engine
	reg := subreg.NewManager(
		func(cid uint64) bool { return liveness.IsAlivePID(int(cid)) },
		cfg.Debug,
		func(module string, sessionID uint64) {
			if engineRef != nil {
				engineRef.NotifyTerminated(module, sessionID)
			}
		},
	)

	// A purely in-process Deliverer: real deployments would dispatch
	// cross-process subscribers through commit.ChannelDeliverer instead.
	// Subscriptions with their own callback never reach this fallback.
	operationalData := map[string]string{}
	deliver := func(ctx context.Context, sub *subreg.Subscription, phase commit.Phase, evt commit.Event) (commit.Result, error) {
		switch sub.Kind {
		case subreg.KindOperGet:
			return commit.Result{Code: errcode.OK, Payload: []byte(operationalData[evt.Path])}, nil
		default:
			log.Info("delivering", "module", evt.Module, "phase", phase.String(), "path", evt.Path, "sub_id", sub.SubID)
			return commit.Result{Code: errcode.OK}, nil
		}
	}

	engine := commit.NewEngine(reg, deliver, cfg.LockTimeout, cfg.ApplyTimeout, log, nil)
	engineRef = engine
	engine.SetAliveCheck(func(cid uint64) bool { return liveness.IsAlivePID(subcore.CID(cid).PID()) })

	conn := subcore.Attach(cfg, reg, log)
	conn.SetEngine(engine)
	defer conn.Detach()

	sess, err := conn.NewSession(subcore.DatastoreRunning)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	changeCallback := func(ctx context.Context, phase int, evt subreg.CallbackEvent) (subreg.CallbackResult, error) {
		log.Info("change callback", "module", evt.Module, "datastore", evt.Datastore, "phase", phase, "path", evt.Path)
		return subreg.CallbackResult{Code: errcode.OK}, nil
	}
	if _, err := sess.SubscribeChange(ctx, "example-module", "", 0, subreg.SubOpts{Update: true}, changeCallback); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe change:", err)
		os.Exit(1)
	}
	operGetCallback := func(ctx context.Context, phase int, evt subreg.CallbackEvent) (subreg.CallbackResult, error) {
		return subreg.CallbackResult{Code: errcode.OK, Payload: []byte(operationalData[evt.Path])}, nil
	}
	if _, err := sess.SubscribeOperGet(ctx, "example-module", "/example:state", 0, operGetCallback); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe oper-get:", err)
		os.Exit(1)
	}

	if err := engine.CommitChange(ctx, "example-module", "running", "/example:config/item", []byte("hello")); err != nil {
		fmt.Fprintln(os.Stderr, "commit:", err)
		os.Exit(1)
	}

	operationalData["/example:state"] = "running"
	payload, err := engine.OperGet(ctx, "example-module", "running", "/example:state")
	if err != nil {
		fmt.Fprintln(os.Stderr, "oper-get:", err)
		os.Exit(1)
	}
	log.Info("oper-get result", "payload", string(payload))

	// Periodic re-evaluation of oper-poll subscriptions, per
	// LivenessPollInterval; robfig/cron drives it the way the teacher's
	// scheduler module drives its own periodic jobs.
	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", cfg.LivenessPollInterval)
	_, err = c.AddFunc(spec, func() {
		subs, err := reg.Context("example-module").Find(ctx, cfg.LockTimeout, subreg.KindOperPoll)
		if err != nil {
			log.Warn("oper-poll sweep failed", "error", err)
			return
		}
		for _, s := range subs {
			log.Debug("re-evaluating oper-poll subscription", "sub_id", s.SubID, "path", s.Path)
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "cron:", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	cleanup := liveness.RegistryCleanup(reg, cfg.LockTimeout)
	sweeper := liveness.NewSweeper(cfg.LivenessPollInterval, func(cid uint64) int {
		return subcore.CID(cid).PID()
	}, func() []uint64 {
		return []uint64{uint64(conn.CID())}
	}, func(cid uint64) {
		log.Warn("detected dead connection", "cid", cid)
		cleanup(cid)
	})
	go sweeper.Run()
	defer sweeper.Stop()

	log.Info("subcored demonstration run complete", "pid", ownPID)
	time.Sleep(50 * time.Millisecond)
}
