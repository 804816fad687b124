package engine

import (
	"context"

	logx "rolemail/pkg/logx"
)

// RoleChanged reacts to a role-change notification.
//
// The user's transition record is replaced (old role = last of previousRoles,
// timestamp = now) and their recurring processed markers are cleared, all in
// one transaction. One-time markers are untouched.
func (e *Engine) RoleChanged(ctx context.Context, userID int64, newRole string, previousRoles []string) error {
	oldRole := ""
	if len(previousRoles) > 0 {
		oldRole = previousRoles[len(previousRoles)-1]
	}
	now := e.cfg.Now()
	if err := e.store.RecordTransition(ctx, userID, oldRole, newRole, now); err != nil {
		e.log.Error("record transition failed",
			logx.Int64("user", userID), logx.String("new_role", newRole), logx.Err(err))
		return err
	}
	e.log.Debug("transition recorded",
		logx.Int64("user", userID),
		logx.String("old_role", oldRole),
		logx.String("new_role", newRole),
		logx.Time("at", now),
	)
	return nil
}
