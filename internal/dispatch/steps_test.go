package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"cibot/internal/build"
	"cibot/internal/config"
	"cibot/internal/message"
	"cibot/internal/notification"
)

func boolPtr(v bool) *bool { return &v }

func stepsStore(sites ...config.Site) func() *config.Store {
	store := &config.Store{Global: sites}
	return func() *config.Store { return store }
}

func emptyStore() func() *config.Store {
	return func() *config.Store { return &config.Store{} }
}

func TestSendRequiresMessage(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

	resp, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{}, StepParams{})
	if err != nil {
		t.Fatalf("validation failure should not be fatal without failOnError: %v", err)
	}
	if resp.Successful || resp.Code != -1 {
		t.Fatalf("resp = %+v, want normalized validation failure", resp)
	}
	if len(rec.attempts) != 0 {
		t.Fatalf("no network attempt expected, got %d", len(rec.attempts))
	}
}

func TestSendValidationFatalUnderFailOnError(t *testing.T) {
	t.Parallel()

	s := NewSteps(emptyStore(), WithStepSenderFactory((&recorder{}).factory))

	_, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{},
		StepParams{FailOnError: boolPtr(true)})
	if err == nil {
		t.Fatalf("expected fatal validation failure")
	}
}

func TestSendExplicitURLBypassesSites(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	// A resolvable default site exists, but the explicit URL must win.
	s := NewSteps(stepsStore(config.Site{Name: "g", URL: "http://site.example/", Room: "lobby", DefaultSite: true}),
		WithStepSenderFactory(rec.factory))

	resp, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{}, StepParams{
		Message: "hi", URL: "http://direct.example", Room: "ops",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Successful {
		t.Fatalf("resp = %+v", resp)
	}
	if len(rec.attempts) != 1 || rec.attempts[0].room != "ops" {
		t.Fatalf("attempts = %+v", rec.attempts)
	}
	if rec.attempts[0].site.URL != "http://direct.example" || rec.attempts[0].site.Name != "" {
		t.Fatalf("site = %+v, want bare url target", rec.attempts[0].site)
	}
}

func TestSendEnvFallbacks(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"env-room": true}}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

	run := &build.Snapshot{EnvVars: map[string]string{
		EnvURL:         "http://env.example",
		EnvDefaultRoom: "env-room",
		EnvFailOnError: "true",
	}}
	_, err := s.Send(context.Background(), run, config.Job{}, StepParams{Message: "hi"})
	if err == nil {
		t.Fatalf("HUBOT_FAIL_ON_ERROR=true should make the failure fatal")
	}
	if len(rec.attempts) != 1 || rec.attempts[0].room != "env-room" {
		t.Fatalf("attempts = %+v", rec.attempts)
	}
}

func TestSendValidationFatalUnderEnvFailOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

	// URL present, room missing: the cascade fails validation, but the env
	// flag must still decide fatality.
	run := &build.Snapshot{EnvVars: map[string]string{
		EnvURL:         "http://env.example",
		EnvFailOnError: "true",
	}}
	resp, err := s.Send(context.Background(), run, config.Job{}, StepParams{Message: "hi"})
	if err == nil {
		t.Fatalf("HUBOT_FAIL_ON_ERROR=true must make the validation failure fatal")
	}
	if resp.Successful || resp.Code != -1 {
		t.Fatalf("resp = %+v, want normalized validation failure", resp)
	}
	if len(rec.attempts) != 0 {
		t.Fatalf("no network attempt expected")
	}
}

func TestApproveValidationFatalUnderEnvFailOnError(t *testing.T) {
	t.Parallel()

	gateCalls := 0
	s := NewSteps(emptyStore(), WithStepSenderFactory((&recorder{}).factory),
		WithGate(GateFunc(func(_ context.Context, _ ApprovalRequest) error {
			gateCalls++
			return nil
		})))

	run := &build.Snapshot{EnvVars: map[string]string{
		EnvURL:         "http://env.example",
		EnvFailOnError: "true",
	}}
	_, err := s.Approve(context.Background(), run, config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "ship it?"},
	})
	if err == nil {
		t.Fatalf("HUBOT_FAIL_ON_ERROR=true must make the validation failure fatal")
	}
	if gateCalls != 0 {
		t.Fatalf("gate must not run after a fatal validation failure")
	}
}

func TestSendEnvValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  map[string]string
	}{
		{"no url", map[string]string{EnvDefaultRoom: "r"}},
		{"malformed url", map[string]string{EnvURL: "not a url", EnvDefaultRoom: "r"}},
		{"no room", map[string]string{EnvURL: "http://x.example"}},
		{"bad fail flag", map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r", EnvFailOnError: "maybe"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

			resp, _ := s.Send(context.Background(), &build.Snapshot{EnvVars: tc.env}, config.Job{},
				StepParams{Message: "hi"})
			if resp.Successful || resp.Code != -1 {
				t.Fatalf("resp = %+v, want validation failure", resp)
			}
			if len(rec.attempts) != 0 {
				t.Fatalf("no attempt expected")
			}
		})
	}
}

func TestSendIgnoresJobSiteName(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := stepsStore(
		config.Site{Name: "def", URL: "http://def.example/", Room: "def-room", DefaultSite: true},
		config.Site{Name: "named", URL: "http://named.example/", Room: "named-room"},
	)
	s := NewSteps(store, WithStepSenderFactory(rec.factory))

	// The job-level site name steers the listener, not the step cascade:
	// without an explicit site parameter the default site wins.
	job := config.Job{SiteName: "named"}
	if _, err := s.Send(context.Background(), &build.Snapshot{}, job, StepParams{Message: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.attempts[0].site.Name != "def" {
		t.Fatalf("site = %q, want the default site", rec.attempts[0].site.Name)
	}

	if _, err := s.Send(context.Background(), &build.Snapshot{}, job, StepParams{Message: "hi", Site: "named"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.attempts[1].site.Name != "named" {
		t.Fatalf("site = %q, want the step's explicit site", rec.attempts[1].site.Name)
	}
}

func TestSendStepOverridesResolvedSite(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"override": true}}
	site := config.Site{Name: "g", URL: "http://site.example/", Room: "lobby", FailOnError: true, DefaultSite: true}
	s := NewSteps(stepsStore(site), WithStepSenderFactory(rec.factory))

	_, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{}, StepParams{
		Message: "hi", Room: "override", FailOnError: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("failOnError override to false must not be fatal: %v", err)
	}
	if len(rec.attempts) != 1 || rec.attempts[0].room != "override" {
		t.Fatalf("attempts = %+v", rec.attempts)
	}
}

func TestSendSiteFailOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"lobby": true}}
	site := config.Site{Name: "g", URL: "http://site.example/", Room: "lobby", FailOnError: true, DefaultSite: true}
	s := NewSteps(stepsStore(site), WithStepSenderFactory(rec.factory))

	_, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{}, StepParams{Message: "hi"})
	if err == nil {
		t.Fatalf("site failOnError should turn the failure fatal")
	}
}

func TestSendMessageShape(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory),
		WithStepExpander(message.ExpanderFunc(func(_ context.Context, macro string) (string, error) {
			return "v:" + macro, nil
		})))

	run := &build.Snapshot{
		EnvVars:   map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r"},
		CauseList: []*build.Cause{{Kind: build.CauseKindUser, UserName: "Dana", UserID: "dana"}},
	}
	_, err := s.Send(context.Background(), run, config.Job{}, StepParams{
		Message:   "deploy done",
		ExtraData: map[string]string{"k": "v"},
		Tokens:    "BUILD_URL",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := rec.attempts[0].msg
	if msg.Message != "deploy done" || msg.Status != string(notification.Success) {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.StepName != message.StepSend {
		t.Fatalf("StepName = %q", msg.StepName)
	}
	if msg.UserName != "Dana" || msg.UserID != "dana" {
		t.Fatalf("user = %q/%q", msg.UserName, msg.UserID)
	}
	if msg.ExtraData["k"] != "v" {
		t.Fatalf("extraData = %v", msg.ExtraData)
	}
	if v := msg.Tokens["BUILD_URL"]; v == nil || *v != "v:${BUILD_URL}" {
		t.Fatalf("tokens = %v", msg.Tokens)
	}
	if msg.TS == 0 {
		t.Fatalf("ts not stamped")
	}
}

func TestApproveRunsGateAfterSend(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var gotReq ApprovalRequest
	gateCalls := 0
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory),
		WithGate(GateFunc(func(_ context.Context, req ApprovalRequest) error {
			gateCalls++
			gotReq = req
			return nil
		})))

	run := &build.Snapshot{EnvVars: map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r"}}
	_, err := s.Approve(context.Background(), run, config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "ship it?"},
		Submitter:  "leads",
		OK:         "Ship",
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if gateCalls != 1 {
		t.Fatalf("gate calls = %d", gateCalls)
	}
	if gotReq.ID != DefaultApprovalID {
		t.Fatalf("ID = %q, want default", gotReq.ID)
	}
	if gotReq.Message != "ship it?" || gotReq.Submitter != "leads" || gotReq.OK != "Ship" {
		t.Fatalf("req = %+v", gotReq)
	}
	if rec.attempts[0].msg.StepName != message.StepApprove {
		t.Fatalf("StepName = %q", rec.attempts[0].msg.StepName)
	}
	if rec.attempts[0].msg.ID != DefaultApprovalID {
		t.Fatalf("msg.ID = %q", rec.attempts[0].msg.ID)
	}
}

func TestApproveGateRunsDespiteSendFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"r": true}}
	gateCalls := 0
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory),
		WithGate(GateFunc(func(_ context.Context, _ ApprovalRequest) error {
			gateCalls++
			return nil
		})))

	run := &build.Snapshot{EnvVars: map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r"}}
	_, err := s.Approve(context.Background(), run, config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "ship it?"},
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if gateCalls != 1 {
		t.Fatalf("gate must still run when the send fails without failOnError")
	}
}

func TestApproveAbortsBeforeGateUnderFailOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"r": true}}
	gateCalls := 0
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory),
		WithGate(GateFunc(func(_ context.Context, _ ApprovalRequest) error {
			gateCalls++
			return nil
		})))

	run := &build.Snapshot{EnvVars: map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r"}}
	_, err := s.Approve(context.Background(), run, config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "ship it?", FailOnError: boolPtr(true)},
	})
	if err == nil {
		t.Fatalf("expected fatal delivery failure")
	}
	if gateCalls != 0 {
		t.Fatalf("gate must not run after a fatal send failure")
	}
}

func TestApproveRejectionFatalOnlyUnderFailOnError(t *testing.T) {
	t.Parallel()

	rejecting := GateFunc(func(_ context.Context, _ ApprovalRequest) error {
		return errors.New("rejected")
	})
	run := func() *build.Snapshot {
		return &build.Snapshot{EnvVars: map[string]string{EnvURL: "http://x.example", EnvDefaultRoom: "r"}}
	}

	s := NewSteps(emptyStore(), WithStepSenderFactory((&recorder{}).factory), WithGate(rejecting))
	if _, err := s.Approve(context.Background(), run(), config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "m"},
	}); err != nil {
		t.Fatalf("rejection without failOnError should not be fatal: %v", err)
	}

	s = NewSteps(emptyStore(), WithStepSenderFactory((&recorder{}).factory), WithGate(rejecting))
	if _, err := s.Approve(context.Background(), run(), config.Job{}, ApproveParams{
		StepParams: StepParams{Message: "m", FailOnError: boolPtr(true)},
	}); err == nil {
		t.Fatalf("rejection under failOnError should be fatal")
	}
}

func TestSendLimiterGuardsDefaultSender(t *testing.T) {
	t.Parallel()

	// Zero burst: the limiter rejects immediately and the default sender
	// normalizes it before any POST is attempted.
	s := NewSteps(emptyStore(), WithStepLimiter(rate.NewLimiter(rate.Every(time.Hour), 0)))

	resp, err := s.Send(context.Background(), &build.Snapshot{}, config.Job{}, StepParams{
		Message: "hi", URL: "http://127.0.0.1:1", Room: "ops",
	})
	if err != nil {
		t.Fatalf("failure without failOnError must not be fatal: %v", err)
	}
	if resp.Successful || resp.Code != -1 {
		t.Fatalf("resp = %+v, want normalized limiter failure", resp)
	}
}

func TestTestDelivery(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

	site := config.Site{Name: "probe", URL: "http://x.example/", Room: "ci"}
	resp, err := s.TestDelivery(context.Background(), site, "", "")
	if err != nil {
		t.Fatalf("TestDelivery: %v", err)
	}
	if !resp.Successful {
		t.Fatalf("resp = %+v", resp)
	}
	msg := rec.attempts[0].msg
	if msg.Message != "Hubot Site: probe configured successfully." {
		t.Fatalf("message = %q", msg.Message)
	}
	if msg.StepName != message.StepTest || msg.UserName != message.AnonymousUser {
		t.Fatalf("msg = %+v", msg)
	}

	if _, err := s.TestDelivery(context.Background(), config.Site{Name: "x"}, "", ""); err == nil {
		t.Fatalf("expected error for missing url")
	}
	if _, err := s.TestDelivery(context.Background(), config.Site{Name: "x", URL: "::"}, "", ""); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestTestDeliveryFailureIsError(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]bool{"ci": true}}
	s := NewSteps(emptyStore(), WithStepSenderFactory(rec.factory))

	resp, err := s.TestDelivery(context.Background(), config.Site{Name: "p", URL: "http://x.example/", Room: "ci"}, "", "")
	if err == nil {
		t.Fatalf("expected error for failed probe")
	}
	if resp == nil || resp.Successful {
		t.Fatalf("resp = %+v", resp)
	}
}
