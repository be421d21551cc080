package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"batpay/core/types"
)

type wireEvent struct{ evt *types.Event }

func (w wireEvent) EventType() string    { return w.evt.Type }
func (w wireEvent) Event() *types.Event { return w.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalQuery(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	j.Emit(wireEvent{&types.Event{Type: "batpay.account.deposit", Height: 3, Attributes: map[string]string{"accountId": "0"}}})
	j.Emit(wireEvent{&types.Event{Type: "batpay.payment.registered", Height: 4}})
	j.Emit(bareEvent{})
	j.Emit(wireEvent{&types.Event{Type: "batpay.payment.unlocked", Height: 9}})

	all, err := j.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "0", all[0].Attributes["accountId"])
	require.Equal(t, uint64(3), all[0].Height)
	require.NotNil(t, all[1].Attributes)

	payments, err := j.Query(ctx, Filter{Type: "batpay.payment.*"})
	require.NoError(t, err)
	require.Len(t, payments, 2)

	exact, err := j.Query(ctx, Filter{Type: "batpay.payment.unlocked", FromHeight: 5})
	require.NoError(t, err)
	require.Len(t, exact, 1)

	page, err := j.Query(ctx, Filter{AfterID: all[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, all[1].ID, page[0].ID)

	ranged, err := j.Query(ctx, Filter{ToHeight: 4})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
}

func TestJournalIdempotency(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	resp, err := j.LookupIdempotency(ctx, "k1", "h1")
	require.NoError(t, err)
	require.Nil(t, resp)

	require.NoError(t, j.SaveIdempotency(ctx, "k1", "h1", 200, []byte(`{"ok":true}`)))
	resp, err = j.LookupIdempotency(ctx, "k1", "h1")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))

	_, err = j.LookupIdempotency(ctx, "k1", "h2")
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), &types.Event{Type: "batpay.bulk.registered", Height: 1}))
	require.NoError(t, j.Close())

	j, err = Open(path, nil)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
