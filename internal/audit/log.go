package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

// Event names emitted by the service.
const (
	EventLogin            = "auth.login"
	EventLogout           = "auth.logout"
	EventExecutiveContext = "auth.executive_context"
	EventRefresh          = "auth.refresh"
	EventRegister         = "user.register"
	EventPasswordReset    = "user.password_reset"
	EventCodeExchange     = "oauth2.code_exchange"
	EventClientCreated    = "oauth2.client_created"
	EventDirectoryChange  = "directory.change"
)

// LogEvent writes an audit log entry enriched with request and principal context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	evt := Event{Name: event, Time: time.Now().UTC(), Fields: fields}
	if rid := auth.RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
		evt.RequestID = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		attrs = append(attrs, slog.String("subject", p.Subject))
		evt.Subject = p.Subject
		if id, ok := p.UserID(); ok {
			attrs = append(attrs, slog.Int64("user_id", id))
		}
		if code := p.ProviderCode(); code != "" {
			attrs = append(attrs, slog.String("provider_code", code))
			evt.ProviderCode = code
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	group := make([]any, 0, len(keys))
	for _, k := range keys {
		group = append(group, slog.Any(k, fields[k]))
	}
	attrs = append(attrs, slog.Group("fields", group...))

	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	defaultHub.Publish(evt)
	return nil
}
