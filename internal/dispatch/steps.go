package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
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

// Environment variables consulted when a step leaves connection parameters
// unset and no site resolves.
const (
	EnvURL         = "HUBOT_URL"
	EnvDefaultRoom = "HUBOT_DEFAULT_ROOM"
	EnvFailOnError = "HUBOT_FAIL_ON_ERROR"
)

// DefaultApprovalID is used when an approve step does not name its own id.
const DefaultApprovalID = "Proceed"

// StepParams are the caller-supplied inputs of a send step. Message is
// required; everything else falls back to the resolved site or, failing
// that, to the HUBOT_* environment variables.
type StepParams struct {
	Message     string
	Room        string
	URL         string
	Status      string
	Site        string
	FailOnError *bool
	ExtraData   map[string]string
	Tokens      string
}

// ApproveParams extend StepParams with the approval gate inputs.
type ApproveParams struct {
	StepParams

	ID                 string
	Submitter          string
	SubmitterParameter string
	OK                 string
	Parameters         []message.Parameter
}

// ApprovalRequest is what the external gate needs to collect a human
// response. cibot never interprets the answer; the gate's error is the
// rejection signal.
type ApprovalRequest struct {
	Message            string
	ID                 string
	Submitter          string
	SubmitterParameter string
	OK                 string
	Parameters         []message.Parameter
}

// Gate blocks until the approval identified by req is answered. Await
// returns nil on approval and an error on rejection or cancellation.
type Gate interface {
	Await(ctx context.Context, req ApprovalRequest) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, req ApprovalRequest) error

func (f GateFunc) Await(ctx context.Context, req ApprovalRequest) error { return f(ctx, req) }

// Steps serves the explicit pipeline entry points. One Steps value serves
// any number of invocations; the parameter cascade is evaluated fresh per
// call, never cached.
type Steps struct {
	sites    func() *config.Store
	senders  SenderFactory
	expander message.Expander
	gate     Gate
	hist     history.Store
	limiter  *rate.Limiter
	log      logx.Logger
	now      func() time.Time
}

type StepsOption func(*Steps)

func WithStepSenderFactory(f SenderFactory) StepsOption {
	return func(s *Steps) { s.senders = f }
}

func WithStepExpander(exp message.Expander) StepsOption {
	return func(s *Steps) { s.expander = exp }
}

// WithGate installs the approval gate. Without one, approve steps fail
// after the send.
func WithGate(g Gate) StepsOption {
	return func(s *Steps) { s.gate = g }
}

func WithStepHistory(hist history.Store) StepsOption {
	return func(s *Steps) { s.hist = hist }
}

// WithStepLimiter applies a shared blocking rate limiter to every
// delivery made through the default sender factory.
func WithStepLimiter(l *rate.Limiter) StepsOption {
	return func(s *Steps) { s.limiter = l }
}

func WithStepLogger(log logx.Logger) StepsOption {
	return func(s *Steps) { s.log = log }
}

func NewSteps(sites func() *config.Store, opts ...StepsOption) *Steps {
	s := &Steps{
		sites: sites,
		log:   logx.Nop(),
		now:   time.Now,
	}
	s.senders = func(site config.Site) Sender {
		return hubot.NewService(site, hubot.WithLimiter(s.limiter), hubot.WithLogger(s.log))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target is the outcome of the per-invocation parameter cascade.
type target struct {
	sender      Sender
	site        *config.Site // nil when connecting via bare URL
	room        string
	failOnError bool
}

// verify runs the connection cascade: explicit step parameter, then the
// resolved site, then the HUBOT_* environment fallbacks. A non-nil
// ResponseData is a validation failure, already normalized; no network
// attempt was made. The returned flag is the effective fail-on-error
// policy (site-level when a site resolved, step/env-level otherwise) and
// is meaningful even when validation failed, so a misconfigured step can
// still abort.
func (s *Steps) verify(run build.Run, job config.Job, p StepParams) (*target, bool, *hubot.ResponseData) {
	env := run.Env()

	// Resolve the step/env flag before any validation return.
	failOnError := false
	var badFlag error
	if p.FailOnError != nil {
		failOnError = *p.FailOnError
	} else if raw := strings.TrimSpace(env[EnvFailOnError]); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badFlag = fmt.Errorf("unable to parse %s: %q", EnvFailOnError, raw)
		} else {
			failOnError = v
		}
	}

	if strings.TrimSpace(p.Message) == "" {
		return nil, failOnError, hubot.ErrorResponse(errors.New("message is empty or null"))
	}

	stepRoom := strings.TrimSpace(p.Room)
	stepURL := strings.TrimSpace(p.URL)

	// An explicit URL bypasses site resolution entirely. Only the step's
	// own site parameter selects by name here; the job-level site name is
	// a listener concern.
	var site *config.Site
	if stepURL == "" {
		site = s.sites().Resolve(job.Folders, strings.TrimSpace(p.Site))
	}

	if site == nil {
		endpoint := stepURL
		if endpoint == "" {
			endpoint = strings.TrimSpace(env[EnvURL])
		}
		room := stepRoom
		if room == "" {
			room = strings.TrimSpace(env[EnvDefaultRoom])
		}
		if endpoint == "" {
			return nil, failOnError, hubot.ErrorResponse(errors.New("HUBOT_URL or step parameter equivalent is empty or null"))
		}
		if u, err := url.Parse(hubot.SanitizeURL(endpoint)); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, failOnError, hubot.ErrorResponse(errors.New("malformed HUBOT_URL"))
		}
		if room == "" {
			return nil, failOnError, hubot.ErrorResponse(errors.New("HUBOT_DEFAULT_ROOM or step parameter equivalent is empty or null"))
		}
		if badFlag != nil {
			return nil, failOnError, hubot.ErrorResponse(badFlag)
		}

		bare := config.Site{URL: endpoint, Room: room}
		return &target{
			sender:      s.senders(bare),
			room:        room,
			failOnError: failOnError,
		}, failOnError, nil
	}

	// Step parameters override the resolved site's room and policy.
	if stepRoom != "" {
		site.Room = stepRoom
	}
	if p.FailOnError != nil {
		site.FailOnError = *p.FailOnError
	}
	if strings.TrimSpace(site.URL) == "" {
		return nil, site.FailOnError, hubot.ErrorResponse(fmt.Errorf("url is empty or null on site: %s", site.Name))
	}
	if strings.TrimSpace(site.Room) == "" {
		return nil, site.FailOnError, hubot.ErrorResponse(fmt.Errorf("room is empty or null on site: %s", site.Name))
	}

	return &target{
		sender:      s.senders(*site),
		site:        site,
		room:        site.Room,
		failOnError: site.FailOnError,
	}, site.FailOnError, nil
}

// Send delivers one explicit chat message. The returned ResponseData always
// describes the outcome; the error is non-nil only when the effective
// fail-on-error flag turns a failure fatal.
func (s *Steps) Send(ctx context.Context, run build.Run, job config.Job, p StepParams) (*hubot.ResponseData, error) {
	tgt, failOnError, resp := s.verify(run, job, p)
	if resp == nil {
		msg := s.buildStepMessage(ctx, run, p, message.StepSend)
		s.logTarget(tgt, p)
		resp = tgt.sender.SendMessage(ctx, msg)
		s.record(ctx, run, tgt, message.StepSend, resp)
	}
	return resp, hubot.LogResponse(s.log, resp, failOnError)
}

// Approve sends the approval request message and then blocks on the
// external gate. The gate always runs, delivered or not, unless
// fail-on-error already aborted the step.
func (s *Steps) Approve(ctx context.Context, run build.Run, job config.Job, p ApproveParams) (*hubot.ResponseData, error) {
	tgt, failOnError, resp := s.verify(run, job, p.StepParams)
	if resp == nil {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = DefaultApprovalID
		}
		msg := s.buildStepMessage(ctx, run, p.StepParams, message.StepApprove)
		msg.ID = id
		msg.Submitter = p.Submitter
		msg.SubmitterParameter = p.SubmitterParameter
		msg.OK = p.OK
		msg.Parameters = p.Parameters

		s.logTarget(tgt, p.StepParams)
		resp = tgt.sender.SendMessage(ctx, msg)
		s.record(ctx, run, tgt, message.StepApprove, resp)
	}

	if err := hubot.LogResponse(s.log, resp, failOnError); err != nil {
		return resp, err
	}

	if s.gate == nil {
		if failOnError {
			return resp, errors.New("no approval gate configured")
		}
		s.log.Warn("no approval gate configured, skipping wait")
		return resp, nil
	}

	req := ApprovalRequest{
		Message:            p.Message,
		ID:                 strings.TrimSpace(p.ID),
		Submitter:          p.Submitter,
		SubmitterParameter: p.SubmitterParameter,
		OK:                 p.OK,
		Parameters:         p.Parameters,
	}
	if req.ID == "" {
		req.ID = DefaultApprovalID
	}
	if err := s.gate.Await(ctx, req); err != nil {
		if failOnError {
			return resp, fmt.Errorf("error while sending message: %w", err)
		}
		s.log.Warn("approval not granted", logx.Err(err))
		return resp, nil
	}
	return resp, nil
}

func (s *Steps) buildStepMessage(ctx context.Context, run build.Run, p StepParams, step string) *message.Message {
	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = string(notification.Success)
	}
	env := run.Env()
	causes := run.Causes()
	return &message.Message{
		Message:    p.Message,
		Status:     status,
		ExtraData:  p.ExtraData,
		UserName:   message.UserName(causes, env),
		UserID:     message.UserID(causes),
		BuildCause: message.CauseLabel(causes),
		StepName:   step,
		EnvVars:    env,
		Tokens:     message.ExpandTokens(ctx, s.expander, p.Tokens, s.log),
		TS:         s.now().UnixMilli(),
	}
}

// TestDelivery posts the configuration probe for one site: a bare site
// copy carrying only url and room, a fixed "configured successfully" text.
// Unlike Send, a failed probe is always an error.
func (s *Steps) TestDelivery(ctx context.Context, site config.Site, userName, userID string) (*hubot.ResponseData, error) {
	if strings.TrimSpace(site.URL) == "" {
		return nil, errors.New("url is empty or null")
	}
	if u, err := url.Parse(hubot.SanitizeURL(site.URL)); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("malformed url %q", site.URL)
	}
	if userName == "" {
		userName = message.AnonymousUser
	}

	msg := &message.Message{
		Message:  "Hubot Site: " + site.Name + " configured successfully.",
		Status:   string(notification.Success),
		UserName: userName,
		UserID:   userID,
		StepName: message.StepTest,
		TS:       s.now().UnixMilli(),
	}
	probe := config.Site{Name: site.Name, URL: site.URL, Room: site.Room}
	resp := s.senders(probe).SendMessage(ctx, msg)
	if !resp.Successful {
		return resp, fmt.Errorf("error while sending a test message - code: %d error: %s", resp.Code, resp.Error)
	}
	return resp, nil
}

func (s *Steps) logTarget(tgt *target, p StepParams) {
	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = string(notification.Success)
	}
	if tgt.site != nil {
		s.log.Info("sending message",
			logx.String("status", status), logx.String("room", tgt.site.Room),
			logx.String("site", tgt.site.Name))
		return
	}
	s.log.Info("sending message", logx.String("room", tgt.room), logx.String("message", p.Message))
}

func (s *Steps) record(ctx context.Context, run build.Run, tgt *target, step string, resp *hubot.ResponseData) {
	if s.hist == nil {
		return
	}
	siteName := ""
	if tgt.site != nil {
		siteName = tgt.site.Name
	}
	e := history.Entry{
		At:    s.now(),
		Job:   run.JobName(),
		Build: run.Number(),
		Site:  siteName,
		Room:  tgt.sender.EffectiveRoom(),
		Step:  step,
		Code:  resp.Code,
		OK:    resp.Successful,
		Error: resp.Error,
	}
	if err := s.hist.AppendDelivery(ctx, e); err != nil {
		s.log.Warn("history append failed", logx.Err(err))
	}
}
