package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"rolemail/internal/ledger"
	"rolemail/internal/mailer"
	"rolemail/internal/render"
	"rolemail/internal/rules"
	logx "rolemail/pkg/logx"
)

type dispatcher struct {
	store     ledger.Store
	renderer  render.Renderer
	transport mailer.Transport
	limiter   *rate.Limiter
	alerts    Alerter
	log       logx.Logger

	siteURL          string
	retryFailedSends bool
}

// dispatch executes every due event and advances the processed-event ledger.
//
// Processed-state is recorded per user, not per batch: a user whose message
// could not be rendered (or, under RetryFailedSends, not delivered) stays
// eligible and is retried next tick, while the rest of the batch completes.
func (d *dispatcher) dispatch(ctx context.Context, tbl *rules.Table, due []DueEvent, runID string) PassStats {
	var st PassStats
	for _, de := range due {
		st.Events++
		st.UsersDue += len(de.Users)

		def, ok := tbl.Event(de.Event)
		if !ok {
			st.UnknownEvents++
			d.log.Error("unknown event; batch skipped until configured",
				logx.String("event", de.Event), logx.Int("users", len(de.Users)), logx.String("run", runID))
			d.alerts.Error(fmt.Sprintf("rolemail: unknown event %q (%d users pending)", de.Event, len(de.Users)))
			continue
		}

		switch def.Action {
		case rules.ActionIgnore:
			// Parked on purpose: never dispatched, never marked.
			continue
		case rules.ActionNone:
			d.mark(ctx, &st, def, de.Users, runID)
		case rules.ActionSendMessage, rules.ActionSendMessageWithToken:
			completed := make([]int64, 0, len(de.Users))
			for _, userID := range de.Users {
				if ctx.Err() != nil {
					break
				}
				err := d.sendOne(ctx, def, userID, runID)
				switch {
				case err == nil:
					st.Sent++
					completed = append(completed, userID)
				case isRetryable(err, d.retryFailedSends):
					d.countFailure(&st, err)
					d.log.Warn("user skipped; will retry next tick",
						logx.String("event", def.Name), logx.Int64("user", userID), logx.String("run", runID), logx.Err(err))
				default:
					// Delivery failed but the policy says do not retry:
					// mark anyway and accept the loss, loudly.
					d.countFailure(&st, err)
					completed = append(completed, userID)
					d.log.Error("send failed; user marked processed (retry_failed_sends=false)",
						logx.String("event", def.Name), logx.Int64("user", userID), logx.String("run", runID), logx.Err(err))
					d.alerts.Error(fmt.Sprintf("rolemail: %s for user %d lost: %v", def.Name, userID, err))
				}
			}
			d.mark(ctx, &st, def, completed, runID)
		}
	}
	return st
}

func (d *dispatcher) mark(ctx context.Context, st *PassStats, def rules.EventDef, users []int64, runID string) {
	if len(users) == 0 {
		return
	}
	if err := d.store.MarkProcessed(ctx, def.Name, users, def.OneTime); err != nil {
		// Not marked means the whole batch is retried next tick. Duplicate
		// sends are possible here; the guard is best-effort by contract.
		d.log.Error("mark processed failed",
			logx.String("event", def.Name), logx.Int("users", len(users)), logx.String("run", runID), logx.Err(err))
		d.alerts.Error(fmt.Sprintf("rolemail: marking %s processed failed: %v", def.Name, err))
		return
	}
	st.Marked += len(users)
}

func (d *dispatcher) sendOne(ctx context.Context, def rules.EventDef, userID int64, runID string) error {
	u, ok, err := d.store.UserInfo(ctx, userID)
	if err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrUserUnknown)
	}

	params := render.Params{}
	for k, v := range def.Extra {
		params[k] = v
	}
	params["site_url"] = d.siteURL
	params["email_address"] = u.Email
	params["display_name"] = u.DisplayName
	params["user_login"] = u.Login
	params["role"] = u.Role

	if def.NeedsToken() {
		token, err := d.store.TokenFor(ctx, userID)
		if err != nil {
			return fmt.Errorf("token for user %d: %w", userID, err)
		}
		params["token"] = token
	}

	body, err := d.renderer.Render(def.Template, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := d.transport.Send(ctx, mailer.Message{
		To:      u.Email,
		From:    def.From,
		Subject: def.Subject,
		Body:    body,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if err := d.store.AppendAudit(ctx, ledger.AuditEntry{
		UserID:   userID,
		Category: "MAILER",
		Message:  def.Name + " -> " + u.Email,
		RunID:    runID,
	}); err != nil {
		// The message is out; an audit hiccup must not fail the user.
		d.log.Warn("audit append failed", logx.Int64("user", userID), logx.Err(err))
	}
	return nil
}

func (d *dispatcher) countFailure(st *PassStats, err error) {
	if errors.Is(err, ErrTransport) {
		st.SendFailed++
		return
	}
	st.RenderFailed++
}

// isRetryable reports whether the failed user should stay eligible.
// Render failures (and missing users/tokens) always retry; transport
// failures retry only when the policy says so.
func isRetryable(err error, retryFailedSends bool) bool {
	if errors.Is(err, ErrTransport) {
		return retryFailedSends
	}
	return true
}
