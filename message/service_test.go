package message

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hatcher/hatch/pubsub"
	"github.com/hatcher/hatch/session"
	"github.com/hatcher/hatch/storage"
)

func newServices(t *testing.T) (Service, string) {
	t.Helper()
	q, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewService(q)
	sess, err := sessions.Create(context.Background(), "msg test", "/tmp")
	require.NoError(t, err)
	return NewService(q), sess.ID
}

func TestCreateListOrdered(t *testing.T) {
	t.Parallel()
	svc, sessionID := newServices(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Create(ctx, sessionID, CreateMessageParams{
			Role:  User,
			Parts: []ContentPart{TextContent{Text: text}},
		})
		require.NoError(t, err)
	}

	history, err := svc.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "one", history[0].Content().Text)
	require.Equal(t, "three", history[2].Content().Text)
}

func TestUpdateRewritesParts(t *testing.T) {
	t.Parallel()
	svc, sessionID := newServices(t)
	ctx := context.Background()

	msg, err := svc.Create(ctx, sessionID, CreateMessageParams{Role: Assistant, Model: "m1"})
	require.NoError(t, err)

	msg.AppendContent("partial")
	require.NoError(t, svc.Update(ctx, msg))
	msg.AppendContent(" and more")
	msg.AddFinish(FinishReasonEndTurn, "", "")
	require.NoError(t, svc.Update(ctx, msg))

	got, err := svc.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "partial and more", got.Content().Text)
	require.Equal(t, FinishReasonEndTurn, got.FinishReason())
	require.Equal(t, "m1", got.Model)
}

func TestReplacePrefixSplicesSummary(t *testing.T) {
	t.Parallel()
	svc, sessionID := newServices(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		role := User
		if i%2 == 1 {
			role = Assistant
		}
		_, err := svc.Create(ctx, sessionID, CreateMessageParams{
			Role:  role,
			Parts: []ContentPart{TextContent{Text: string(rune('a' + i))}},
		})
		require.NoError(t, err)
	}

	summary := Message{Role: Assistant}
	summary.AppendContent("what came before")

	spliced, err := svc.ReplacePrefix(ctx, sessionID, 3, summary)
	require.NoError(t, err)
	require.NotEmpty(t, spliced.ID)

	history, err := svc.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "what came before", history[0].Content().Text)
	require.Equal(t, "d", history[1].Content().Text)
	require.Equal(t, "e", history[2].Content().Text)
}

func TestMessageEventsPublished(t *testing.T) {
	t.Parallel()
	svc, sessionID := newServices(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := svc.Subscribe(ctx)

	msg, err := svc.Create(ctx, sessionID, CreateMessageParams{
		Role:  User,
		Parts: []ContentPart{TextContent{Text: "hi"}},
	})
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, pubsub.CreatedEvent, ev.Type)
	require.Equal(t, msg.ID, ev.Payload.ID)

	msg.AppendContent(" again")
	require.NoError(t, svc.Update(ctx, msg))
	ev = <-events
	require.Equal(t, pubsub.UpdatedEvent, ev.Type)
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()
	svc, sessionID := newServices(t)
	ctx := context.Background()

	msg, err := svc.Create(ctx, sessionID, CreateMessageParams{
		Role:  User,
		Parts: []ContentPart{TextContent{Text: "bye"}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, msg.ID))
	_, err = svc.Get(ctx, msg.ID)
	require.Error(t, err)
}
