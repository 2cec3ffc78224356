package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"cibot/internal/build"
	"cibot/internal/config"
	"cibot/internal/dispatch"
	"cibot/internal/history"
	"cibot/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		logLevel   string
		logFile    string
		histDriver string
		histPath   string
		msgRate    float64
	)
	flag.StringVar(&cfgPath, "config", "./sites.yaml", "path to sites yaml")
	flag.StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&logFile, "log-file", "", "also write logs to this file")
	flag.StringVar(&histDriver, "history", "", "history driver (file|sqlite), empty disables")
	flag.StringVar(&histPath, "history-path", "./cibot-history.jsonl", "history store path")
	flag.Float64Var(&msgRate, "rate", 0, "max messages per second, 0 disables throttling")
	flag.Usage = usage
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, logCloser, err := logx.Open(logx.Config{
		Level:   logLevel,
		Console: true,
		File:    logx.FileConfig{Enabled: logFile != "", Path: logFile},
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	hist, err := history.Open(history.Config{Driver: histDriver, Path: histPath}, log)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if hist != nil {
		defer hist.Close()
	}

	a := &app{cfgPath: cfgPath, log: log, hist: hist}
	if msgRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(msgRate), 1)
	}

	switch args[0] {
	case "send":
		err = a.send(ctx, args[1:])
	case "approve":
		err = a.approve(ctx, args[1:])
	case "test":
		err = a.test(ctx, args[1:])
	case "recent":
		err = a.recent(ctx, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cibot [flags] <command> [command flags]

commands:
  send     post a chat message
  approve  post an approval request and wait for the answer on stdin
  test     send the configuration probe for one site
  recent   print recent delivery history

run "cibot <command> -h" for command flags`)
	flag.PrintDefaults()
}

type app struct {
	cfgPath string
	log     logx.Logger
	hist    history.Store
	limiter *rate.Limiter
}

// store loads the site layout. A missing file is an empty layout, so bare
// -url sends work without any configuration at all.
func (a *app) store() (*config.Store, error) {
	if _, err := os.Stat(a.cfgPath); os.IsNotExist(err) {
		return &config.Store{}, nil
	}
	return config.NewManager(a.cfgPath, a.log).Load()
}

// run builds the local process's view of a "build": job name cibot, the
// process environment, no causes.
func run() *build.Snapshot {
	return &build.Snapshot{Job: "cibot", EnvVars: envMap()}
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// triBool parses a tri-state flag: empty means unset.
func triBool(s string) (*bool, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bool %q", s)
	}
	return &v, nil
}

func (a *app) steps(store *config.Store, gate dispatch.Gate) *dispatch.Steps {
	opts := []dispatch.StepsOption{
		dispatch.WithStepLogger(a.log),
	}
	if a.limiter != nil {
		opts = append(opts, dispatch.WithStepLimiter(a.limiter))
	}
	if a.hist != nil {
		opts = append(opts, dispatch.WithStepHistory(a.hist))
	}
	if gate != nil {
		opts = append(opts, dispatch.WithGate(gate))
	}
	return dispatch.NewSteps(func() *config.Store { return store }, opts...)
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		msg    = fs.String("message", "", "message text (required)")
		room   = fs.String("room", "", "target room")
		url    = fs.String("url", "", "hubot base url (bypasses site resolution)")
		status = fs.String("status", "", "status tag, default SUCCESS")
		site   = fs.String("site", "", "site name")
		foe    = fs.String("fail-on-error", "", "override fail-on-error (true|false)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	failOnError, err := triBool(*foe)
	if err != nil {
		return err
	}

	store, err := a.store()
	if err != nil {
		return err
	}
	_, err = a.steps(store, nil).Send(ctx, run(), config.Job{}, dispatch.StepParams{
		Message:     *msg,
		Room:        *room,
		URL:         *url,
		Status:      *status,
		Site:        *site,
		FailOnError: failOnError,
	})
	return err
}

func (a *app) approve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	var (
		msg  = fs.String("message", "", "approval message text (required)")
		room = fs.String("room", "", "target room")
		url  = fs.String("url", "", "hubot base url (bypasses site resolution)")
		site = fs.String("site", "", "site name")
		id   = fs.String("id", "", `approval id, default "Proceed"`)
		ok   = fs.String("ok", "", "label of the approve choice")
		sub  = fs.String("submitter", "", "allowed submitter")
		foe  = fs.String("fail-on-error", "", "override fail-on-error (true|false)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	failOnError, err := triBool(*foe)
	if err != nil {
		return err
	}

	store, err := a.store()
	if err != nil {
		return err
	}
	_, err = a.steps(store, stdinGate{}).Approve(ctx, run(), config.Job{}, dispatch.ApproveParams{
		StepParams: dispatch.StepParams{
			Message:     *msg,
			Room:        *room,
			URL:         *url,
			Site:        *site,
			FailOnError: failOnError,
		},
		ID:        *id,
		OK:        *ok,
		Submitter: *sub,
	})
	return err
}

func (a *app) test(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	name := fs.String("site", "", "site name to probe (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("test: -site is required")
	}

	store, err := a.store()
	if err != nil {
		return err
	}
	site := findSite(store, *name)
	if site == nil {
		return fmt.Errorf("test: no site named %q", *name)
	}

	if _, err := a.steps(store, nil).TestDelivery(ctx, *site, "", ""); err != nil {
		return err
	}
	fmt.Printf("Hubot Site: %s configured successfully.\n", site.Name)
	return nil
}

func (a *app) recent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("limit", 20, "entries to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.hist == nil {
		return fmt.Errorf("recent: history is disabled, pass -history")
	}
	entries, err := a.hist.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// findSite searches global sites first, then every folder scope.
func findSite(store *config.Store, name string) *config.Site {
	for _, s := range store.Global {
		if strings.EqualFold(s.Name, name) {
			clone := s.Clone()
			return &clone
		}
	}
	for _, sites := range store.Folders {
		for _, s := range sites {
			if strings.EqualFold(s.Name, name) {
				clone := s.Clone()
				return &clone
			}
		}
	}
	return nil
}

// stdinGate is the CLI's approval gate: it prompts on stdout and accepts
// "y"/"yes" on stdin.
type stdinGate struct{}

func (stdinGate) Await(ctx context.Context, req dispatch.ApprovalRequest) error {
	ok := req.OK
	if ok == "" {
		ok = "y"
	}
	fmt.Printf("%s [%s] (%s/N): ", req.Message, req.ID, ok)

	answer := make(chan string, 1)
	go func() {
		var line string
		_, _ = fmt.Fscanln(os.Stdin, &line)
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case line := <-answer:
		if line == "y" || line == "yes" || (req.OK != "" && strings.EqualFold(line, req.OK)) {
			return nil
		}
		return fmt.Errorf("approval %q rejected", req.ID)
	}
}
