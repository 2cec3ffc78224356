package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"cibot/internal/build"
	"cibot/internal/config"
	"cibot/internal/history"
	"cibot/internal/hubot"
	"cibot/internal/message"
	"cibot/internal/notification"
	"cibot/pkg/logx"
)

// Sender is the delivery surface the listener needs from a hubot.Service.
type Sender interface {
	Site() config.Site
	EffectiveRoom() string
	SendMessage(ctx context.Context, m *message.Message) *hubot.ResponseData
}

// SenderFactory builds a Sender for one site clone. The default factory
// wraps hubot.NewService; tests substitute fakes.
type SenderFactory func(site config.Site) Sender

// Listener reacts to build lifecycle events by resolving the job's site
// and fanning notifications out to the matching rooms.
type Listener struct {
	sites    func() *config.Store
	senders  SenderFactory
	expander message.Expander
	hist     history.Store
	limiter  *rate.Limiter
	log      logx.Logger
	now      func() time.Time
}

type ListenerOption func(*Listener)

// WithSenderFactory replaces delivery construction; tests record attempts
// through it.
func WithSenderFactory(f SenderFactory) ListenerOption {
	return func(l *Listener) { l.senders = f }
}

// WithExpander supplies the host's macro expander for rule tokens.
func WithExpander(exp message.Expander) ListenerOption {
	return func(l *Listener) { l.expander = exp }
}

// WithHistory records every delivery attempt in hist, best-effort.
func WithHistory(hist history.Store) ListenerOption {
	return func(l *Listener) { l.hist = hist }
}

// WithListenerLimiter applies a shared blocking rate limiter to every
// delivery made through the default sender factory.
func WithListenerLimiter(lim *rate.Limiter) ListenerOption {
	return func(l *Listener) { l.limiter = lim }
}

func WithListenerLogger(log logx.Logger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// NewListener builds a Listener over a live site store accessor, usually
// config.Manager.Get so reloads take effect between events.
func NewListener(sites func() *config.Store, opts ...ListenerOption) *Listener {
	l := &Listener{
		sites: sites,
		log:   logx.Nop(),
		now:   time.Now,
	}
	l.senders = func(site config.Site) Sender {
		return hubot.NewService(site, hubot.WithLimiter(l.limiter), hubot.WithLogger(l.log))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnStarted handles a build start event for the given job settings.
func (l *Listener) OnStarted(ctx context.Context, run build.Run, job config.Job) {
	l.dispatch(ctx, run, job, notification.Started)
}

// OnCompleted handles a build completion event. The event type is derived
// from the previous and current results; a job with no previous build is
// skipped entirely, as is a result that cannot be classified.
func (l *Listener) OnCompleted(ctx context.Context, run build.Run, job config.Job) {
	prev, ok := run.PreviousResult()
	if !ok {
		l.log.Debug("first build, skipping completion notification",
			logx.String("job", run.JobName()), logx.Int("build", run.Number()))
		return
	}
	event, err := notification.Classify(&prev, run.Result())
	if err != nil {
		l.log.Error("cannot classify build result, skipping event",
			logx.String("job", run.JobName()), logx.Int("build", run.Number()), logx.Err(err))
		return
	}
	l.dispatch(ctx, run, job, event)
}

func (l *Listener) dispatch(ctx context.Context, run build.Run, job config.Job, event notification.Type) {
	site := l.sites().ResolveForJob(job)
	if site == nil {
		l.log.Debug("no site resolved, nothing to send",
			logx.String("job", run.JobName()), logx.String("event", string(event)))
		return
	}

	anyFailed := false
	for _, rule := range site.Notifications {
		if !rule.Enabled || rule.Type != event {
			continue
		}
		if !l.applyRule(ctx, run, *site, rule, event) {
			anyFailed = true
		}
	}

	// The result override waits for the whole fan-out so that one bad room
	// never starves the others.
	if anyFailed && site.FailOnError {
		l.log.Error("delivery failed and site is fail-on-error, marking build FAILURE",
			logx.String("job", run.JobName()), logx.Int("build", run.Number()))
		run.SetResult(build.ResultFailure)
	}
}

// applyRule sends one rule's notification to each of its rooms, or to the
// site's own room when the rule names none. Each attempt gets its own
// freshly built message: tokens are re-expanded and the timestamp is
// re-stamped per delivery, never shared across rooms. It reports whether
// every attempt succeeded.
func (l *Listener) applyRule(ctx context.Context, run build.Run, site config.Site, rule config.Rule, event notification.Type) bool {
	rooms := rule.Rooms()
	if len(rooms) == 0 {
		sender := l.senders(site)
		return l.attempt(ctx, sender, l.buildMessage(ctx, run, rule, event), run, event)
	}

	ok := true
	for _, room := range rooms {
		// A rule-listed room replaces the site room entirely; the folder
		// prefix never applies to it.
		clone := site.Clone()
		clone.Room = room
		clone.RoomPrefix = ""
		sender := l.senders(clone)
		if !l.attempt(ctx, sender, l.buildMessage(ctx, run, rule, event), run, event) {
			ok = false
		}
	}
	return ok
}

func (l *Listener) attempt(ctx context.Context, sender Sender, msg *message.Message, run build.Run, event notification.Type) bool {
	site := sender.Site()
	room := sender.EffectiveRoom()

	resp := sender.SendMessage(ctx, msg)
	if resp.Successful {
		l.log.Info("notification sent",
			logx.String("job", run.JobName()), logx.String("event", string(event)),
			logx.String("site", site.Name), logx.String("room", room), logx.Int("code", resp.Code))
	} else {
		l.log.Error("notification failed",
			logx.String("job", run.JobName()), logx.String("event", string(event)),
			logx.String("site", site.Name), logx.String("room", room),
			logx.Int("code", resp.Code), logx.String("error", resp.Error))
	}

	l.record(ctx, history.Entry{
		At:    l.now(),
		Job:   run.JobName(),
		Build: run.Number(),
		Event: string(event),
		Site:  site.Name,
		Room:  room,
		Step:  message.StepBuild,
		Code:  resp.Code,
		OK:    resp.Successful,
		Error: resp.Error,
	})
	return resp.Successful
}

func (l *Listener) record(ctx context.Context, e history.Entry) {
	if l.hist == nil {
		return
	}
	if err := l.hist.AppendDelivery(ctx, e); err != nil {
		l.log.Warn("history append failed", logx.Err(err))
	}
}

func (l *Listener) buildMessage(ctx context.Context, run build.Run, rule config.Rule, event notification.Type) *message.Message {
	env := run.Env()
	causes := run.Causes()
	return &message.Message{
		Message:    event.Status(),
		Status:     string(event),
		UserName:   message.UserName(causes, env),
		UserID:     message.UserID(causes),
		BuildCause: message.CauseLabel(causes),
		StepName:   message.StepBuild,
		EnvVars:    env,
		Tokens:     message.ExpandTokens(ctx, l.expander, rule.Tokens, l.log),
		TS:         l.now().UnixMilli(),
	}
}
