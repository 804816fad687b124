package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "rolemail/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordTransitionReplacesRow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	t0 := time.Unix(1000, 0)
	require.NoError(t, st.RecordTransition(ctx, 7, "trial", "paid", t0))

	tr, ok, err := st.Transition(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "trial", tr.OldRole)
	require.Equal(t, "paid", tr.NewRole)
	require.Equal(t, t0.Unix(), tr.ChangedAt.Unix())

	// A later transition overwrites, never appends.
	t1 := time.Unix(2000, 0)
	require.NoError(t, st.RecordTransition(ctx, 7, "paid", "cancelled", t1))
	tr, ok, err = st.Transition(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "paid", tr.OldRole)
	require.Equal(t, "cancelled", tr.NewRole)
	require.Equal(t, t1.Unix(), tr.ChangedAt.Unix())
}

func TestRecordTransitionClearsRecurringMarkersOnly(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordTransition(ctx, 1, "trial", "paid", time.Unix(1000, 0)))
	require.NoError(t, st.MarkProcessed(ctx, "welcome", []int64{1}, false))
	require.NoError(t, st.MarkProcessed(ctx, "cancel_survey", []int64{1}, true))

	require.NoError(t, st.RecordTransition(ctx, 1, "paid", "cancelled", time.Unix(2000, 0)))

	done, err := st.IsProcessed(ctx, 1, "welcome")
	require.NoError(t, err)
	require.False(t, done, "recurring marker must reset on transition")

	done, err = st.IsProcessed(ctx, 1, "cancel_survey")
	require.NoError(t, err)
	require.True(t, done, "one-time marker must survive transitions")
}

func TestDueUsers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordTransition(ctx, 1, "trial", "paid", time.Unix(1000, 0)))
	require.NoError(t, st.RecordTransition(ctx, 2, "trial", "paid", time.Unix(1500, 0)))
	require.NoError(t, st.RecordTransition(ctx, 3, "paid", "cancelled", time.Unix(1000, 0)))

	// Cutoff boundary is inclusive.
	ids, err := st.DueUsers(ctx, "trial", "paid", "welcome", time.Unix(1000, 0))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	ids, err = st.DueUsers(ctx, "trial", "paid", "welcome", time.Unix(1500, 0))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)

	// Processed users drop out.
	require.NoError(t, st.MarkProcessed(ctx, "welcome", []int64{1}, false))
	ids, err = st.DueUsers(ctx, "trial", "paid", "welcome", time.Unix(1500, 0))
	require.NoError(t, err)
	require.Equal(t, []int64{2}, ids)

	// But only for that event.
	ids, err = st.DueUsers(ctx, "trial", "paid", "checkin", time.Unix(1500, 0))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
}

func TestMarkProcessedIsDeleteThenInsert(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordTransition(ctx, 1, "trial", "paid", time.Unix(1000, 0)))
	require.NoError(t, st.MarkProcessed(ctx, "welcome", []int64{1}, false))
	// Re-marking with a changed one_time flag must not conflict.
	require.NoError(t, st.MarkProcessed(ctx, "welcome", []int64{1}, true))

	require.NoError(t, st.RecordTransition(ctx, 1, "paid", "trial", time.Unix(2000, 0)))
	done, err := st.IsProcessed(ctx, 1, "welcome")
	require.NoError(t, err)
	require.True(t, done, "flag updated to one_time, so the marker survives")
}

func TestMarkProcessedLargeBatch(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Well past one statement chunk, so the batch spans several.
	n := int64(3*markChunk + 37)
	ids := make([]int64, 0, n)
	for id := int64(1); id <= n; id++ {
		require.NoError(t, st.RecordTransition(ctx, id, "trial", "paid", time.Unix(1000, 0)))
		ids = append(ids, id)
	}
	require.NoError(t, st.MarkProcessed(ctx, "welcome", ids, false))

	for _, id := range []int64{1, int64(markChunk), int64(markChunk) + 1, n} {
		done, err := st.IsProcessed(ctx, id, "welcome")
		require.NoError(t, err)
		require.True(t, done, "user %d", id)
	}
	due, err := st.DueUsers(ctx, "trial", "paid", "welcome", time.Unix(2000, 0))
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestMarkProcessedEmptyBatch(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	require.NoError(t, st.MarkProcessed(context.Background(), "welcome", nil, false))
}

func TestTokenForIsStable(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tok1, err := st.TokenFor(ctx, 42)
	require.NoError(t, err)
	require.Len(t, tok1, TokenLength)

	tok2, err := st.TokenFor(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, tok1, tok2)

	other, err := st.TokenFor(ctx, 43)
	require.NoError(t, err)
	require.NotEqual(t, tok1, other)

	id, ok, err := st.UserByToken(ctx, tok1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok, err = st.UserByToken(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUserDirectory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u := User{ID: 5, Email: "a@example.com", DisplayName: "Ada", Login: "ada", Role: "paid"}
	require.NoError(t, st.UpsertUser(ctx, u))

	got, ok, err := st.UserInfo(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, u, got)

	u.Role = "cancelled"
	require.NoError(t, st.UpsertUser(ctx, u))
	got, _, err = st.UserInfo(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "cancelled", got.Role)

	_, ok, err = st.UserInfo(ctx, 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLeaseMutualExclusion(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	ok, err := st.AcquireLease(ctx, "dispatch", "a", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)

	// Another holder is refused while the lease is live.
	ok, err = st.AcquireLease(ctx, "dispatch", "b", time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	// The holder itself can refresh.
	ok, err = st.AcquireLease(ctx, "dispatch", "a", time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	// Expiry frees it up.
	ok, err = st.AcquireLease(ctx, "dispatch", "b", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	// Release frees it immediately.
	require.NoError(t, st.ReleaseLease(ctx, "dispatch", "b"))
	ok, err = st.AcquireLease(ctx, "dispatch", "c", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
		UserID:   1,
		Category: "MAILER",
		Message:  "welcome -> a@example.com",
		RunID:    "run-1",
	}))
}
