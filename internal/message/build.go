package message

import (
	"context"
	"strings"

	"cibot/internal/build"
	"cibot/pkg/logx"
)

// Expander resolves one macro token against the current build context. It
// is supplied by the host; cibot never interprets token names itself.
type Expander interface {
	// Expand resolves the literal macro text, e.g. "${BUILD_URL}".
	Expand(ctx context.Context, macro string) (string, error)
}

// ExpanderFunc adapts a function to the Expander interface.
type ExpanderFunc func(ctx context.Context, macro string) (string, error)

func (f ExpanderFunc) Expand(ctx context.Context, macro string) (string, error) {
	return f(ctx, macro)
}

// UserName recovers the human trigger's display name from a run's cause
// chain. The CHANGE_AUTHOR environment variable wins when set (multibranch
// PR builds carry the author there). Upstream causes are followed into
// their own upstream chains; if no identity is found the result is
// AnonymousUser.
func UserName(causes []*build.Cause, env map[string]string) string {
	if author := strings.TrimSpace(env["CHANGE_AUTHOR"]); author != "" {
		return author
	}
	if name := userField(causes, func(c *build.Cause) string { return c.UserName }); name != "" {
		return name
	}
	return AnonymousUser
}

// UserID recovers the human trigger's id from a run's cause chain. Empty
// when no user-triggered cause is reachable.
func UserID(causes []*build.Cause) string {
	return userField(causes, func(c *build.Cause) string { return c.UserID })
}

// userField walks the first cause, recursing through upstream chains. A
// revisited cause means the host handed us a cyclic chain; treat it as no
// identity rather than looping.
func userField(causes []*build.Cause, get func(*build.Cause) string) string {
	seen := map[*build.Cause]bool{}
	for len(causes) > 0 {
		first := causes[0]
		if first == nil || seen[first] {
			return ""
		}
		seen[first] = true
		switch first.Kind {
		case build.CauseKindUser:
			return get(first)
		case build.CauseKindUpstream:
			causes = first.Upstream
		default:
			return ""
		}
	}
	return ""
}

// CauseLabel derives a short human label for why the run happened: the user
// name for a user-triggered cause, the original trigger for an upstream
// chain, or the cause's kind with any trailing "Cause" stripped. The last
// cause in the list wins.
func CauseLabel(causes []*build.Cause) string {
	label := causeLabel(causes, map[*build.Cause]bool{})
	return strings.TrimSuffix(label, "Cause")
}

func causeLabel(causes []*build.Cause, seen map[*build.Cause]bool) string {
	label := ""
	for _, c := range causes {
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		switch c.Kind {
		case build.CauseKindUser:
			label = c.UserName
		case build.CauseKindUpstream:
			label = causeLabel(c.Upstream, seen)
		default:
			label = c.Kind
		}
	}
	return label
}

// ExpandTokens expands each comma-separated token name through exp. A miss
// is logged and recorded as a nil value; it never fails the send. The
// result is nil when the token list is empty.
func ExpandTokens(ctx context.Context, exp Expander, tokens string, log logx.Logger) map[string]*string {
	if strings.TrimSpace(tokens) == "" {
		return nil
	}
	out := map[string]*string{}
	for _, token := range strings.Split(tokens, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if exp == nil {
			out[token] = nil
			continue
		}
		v, err := exp.Expand(ctx, "${"+token+"}")
		if err != nil {
			log.Warn("token not found", logx.String("token", token), logx.Err(err))
			out[token] = nil
			continue
		}
		out[token] = &v
	}
	return out
}
