package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/domain"
)

type askFunc func(ctx context.Context, req backend.AskRequest) (backend.AskResponse, error)

func (f askFunc) Ask(ctx context.Context, req backend.AskRequest) (backend.AskResponse, error) {
	return f(ctx, req)
}

// gatedAsker blocks every call until release is closed and records requests.
type gatedAsker struct {
	mu       sync.Mutex
	requests []backend.AskRequest
	started  chan struct{}
	release  chan struct{}
	resp     backend.AskResponse
	err      error
}

func newGatedAsker() *gatedAsker {
	return &gatedAsker{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedAsker) Ask(ctx context.Context, req backend.AskRequest) (backend.AskResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return backend.AskResponse{}, ctx.Err()
	}
	return g.resp, g.err
}

func (g *gatedAsker) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func echoAsker() Asker {
	return askFunc(func(_ context.Context, req backend.AskRequest) (backend.AskResponse, error) {
		return backend.AskResponse{Reply: "re: " + req.Message}, nil
	})
}

func TestNewSessionStartsWithWelcome(t *testing.T) {
	s := NewSession(Config{Asker: echoAsker()})
	snap := s.Snapshot()
	require.Len(t, snap.Transcript, 1)
	assert.Equal(t, domain.WelcomeMessageID, snap.Transcript[0].ID)
	assert.Equal(t, domain.RoleAssistant, snap.Transcript[0].Role)
	assert.Equal(t, DefaultModelLabel, snap.ModelLabel)
	assert.Equal(t, domain.StateIdle, snap.State)
}

func TestSendAppendsUserMessageBeforeReply(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			asker := newGatedAsker()
			asker.resp = backend.AskResponse{Reply: "hi there"}
			if fail {
				asker.err = &backend.APIError{Status: 502, Message: "upstream down"}
			}
			s := NewSession(Config{Asker: asker})

			done := make(chan error, 1)
			go func() {
				_, err := s.Send(context.Background(), "hello")
				done <- err
			}()
			<-asker.started

			snap := s.Snapshot()
			require.Len(t, snap.Transcript, 2)
			last := snap.Transcript[1]
			assert.Equal(t, domain.RoleUser, last.Role)
			assert.Equal(t, "hello", last.Content)
			assert.Equal(t, domain.StateInFlight, snap.State)

			close(asker.release)
			err := <-done

			snap = s.Snapshot()
			require.Len(t, snap.Transcript, 3)
			assert.Equal(t, "hello", snap.Transcript[1].Content)
			reply := snap.Transcript[2]
			assert.Equal(t, domain.RoleAssistant, reply.Role)
			if fail {
				require.Error(t, err)
				assert.True(t, reply.IsError)
				assert.Equal(t, "⚠️ **Error:** upstream down", reply.Content)
			} else {
				require.NoError(t, err)
				assert.False(t, reply.IsError)
				assert.Equal(t, "hi there", reply.Content)
			}
			assert.Equal(t, domain.StateIdle, snap.State)
		})
	}
}

func TestSendWhileOutstandingIsRejected(t *testing.T) {
	asker := newGatedAsker()
	asker.resp = backend.AskResponse{Reply: "first"}
	s := NewSession(Config{Asker: asker})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Plan my day")
		done <- err
	}()
	<-asker.started
	before := len(s.Snapshot().Transcript)

	_, err := s.Send(context.Background(), "What's urgent?")
	require.ErrorIs(t, err, action.ErrInFlight)
	assert.Len(t, s.Snapshot().Transcript, before)

	close(asker.release)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, "Plan my day", snap.Transcript[1].Content)
	assert.Equal(t, "first", snap.Transcript[2].Content)
	assert.Equal(t, 1, asker.calls())
}

func TestBlankSendIsNoop(t *testing.T) {
	asker := newGatedAsker()
	s := NewSession(Config{Asker: asker})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := s.Send(context.Background(), text)
		require.ErrorIs(t, err, ErrBlankMessage)
	}
	assert.Len(t, s.Snapshot().Transcript, 1)
	assert.Zero(t, asker.calls())
}

func TestSendFallsBackToPendingInputAndClearsIt(t *testing.T) {
	var got string
	s := NewSession(Config{Asker: askFunc(func(_ context.Context, req backend.AskRequest) (backend.AskResponse, error) {
		got = req.Message
		return backend.AskResponse{Reply: "ok"}, nil
	})})
	s.SetInput("  draft question  ")
	assert.Equal(t, "  draft question  ", s.Snapshot().PendingInput)

	_, err := s.Send(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "draft question", got)
	assert.Empty(t, s.Snapshot().PendingInput)
}

func TestHistoryIsBoundedOldestFirstWithoutWelcome(t *testing.T) {
	var last backend.AskRequest
	s := NewSession(Config{Asker: askFunc(func(_ context.Context, req backend.AskRequest) (backend.AskResponse, error) {
		last = req
		return backend.AskResponse{Reply: "r" + req.Message[1:]}, nil
	})})

	_, err := s.Send(context.Background(), "q0")
	require.NoError(t, err)
	assert.Empty(t, last.History, "welcome message is never sent as context")

	for i := 1; i < 6; i++ {
		_, err := s.Send(context.Background(), fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}
	_, err = s.Send(context.Background(), "q6")
	require.NoError(t, err)

	require.Len(t, last.History, 10)
	assert.Equal(t, domain.HistoryTurn{Role: domain.RoleUser, Content: "q1"}, last.History[0])
	assert.Equal(t, domain.HistoryTurn{Role: domain.RoleAssistant, Content: "r1"}, last.History[1])
	assert.Equal(t, domain.HistoryTurn{Role: domain.RoleAssistant, Content: "r5"}, last.History[9])
	for _, h := range last.History {
		assert.NotEqual(t, "q6", h.Content, "the new question is not part of its own history")
	}
}

func TestClearResetsToWelcome(t *testing.T) {
	s := NewSession(Config{Asker: echoAsker()})
	for i := 0; i < 3; i++ {
		_, err := s.Send(context.Background(), fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	require.Len(t, s.Snapshot().Transcript, 7)

	s.Clear()
	snap := s.Snapshot()
	require.Len(t, snap.Transcript, 1)
	assert.Equal(t, domain.WelcomeMessageID, snap.Transcript[0].ID)
	assert.Equal(t, welcomeText, snap.Transcript[0].Content)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, uint64(7), snap.Revision, "six appends and the clear")
}

func TestSetInputLeavesRevisionAlone(t *testing.T) {
	s := NewSession(Config{Asker: echoAsker()})
	_, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)
	before := s.Snapshot().Revision
	assert.Equal(t, uint64(2), before)

	s.SetInput("draft")
	snap := s.Snapshot()
	assert.Equal(t, "draft", snap.PendingInput)
	assert.Equal(t, before, snap.Revision)
}

func TestClearWhileOutstandingDropsReply(t *testing.T) {
	asker := newGatedAsker()
	asker.resp = backend.AskResponse{Reply: "late"}
	s := NewSession(Config{Asker: asker})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "slow question")
		done <- err
	}()
	<-asker.started

	s.Clear()
	require.ErrorIs(t, <-done, ErrDiscarded)

	snap := s.Snapshot()
	require.Len(t, snap.Transcript, 1)
	assert.True(t, snap.Transcript[0].IsWelcome())
	assert.Equal(t, domain.StateIdle, snap.State)
}

func TestEmptyReplyUsesFallbackAndUpdatesLabel(t *testing.T) {
	s := NewSession(Config{Asker: askFunc(func(context.Context, backend.AskRequest) (backend.AskResponse, error) {
		return backend.AskResponse{Reply: "", Model: "gemini-2.0-flash-exp", UsedContext: true}, nil
	})})

	msg, err := s.Send(context.Background(), "anything?")
	require.NoError(t, err)
	assert.Equal(t, emptyReplyText, msg.Content)
	assert.True(t, msg.UsedContext)
	assert.Equal(t, "Gemini 2.0 Flash", s.Snapshot().ModelLabel)
}

func TestSessionsAreIndependent(t *testing.T) {
	page := NewSession(Config{Kind: domain.SessionPage, Asker: echoAsker()})
	widget := NewSession(Config{Kind: domain.SessionWidget, Asker: echoAsker()})

	_, err := page.Send(context.Background(), "only on page")
	require.NoError(t, err)

	assert.Len(t, page.Snapshot().Transcript, 3)
	assert.Len(t, widget.Snapshot().Transcript, 1)
}

func TestTimestampsAreStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	s := NewSession(Config{Asker: echoAsker(), Now: func() time.Time { return fixed }})

	_, err := s.Send(context.Background(), "one")
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "two")
	require.NoError(t, err)

	tr := s.Snapshot().Transcript
	for i := 1; i < len(tr); i++ {
		assert.True(t, tr[i].Timestamp.After(tr[i-1].Timestamp), "entry %d", i)
	}
}

func TestRestoreAndOnChange(t *testing.T) {
	saved := []domain.ChatMessage{
		{ID: domain.WelcomeMessageID, Role: domain.RoleAssistant, Content: welcomeText, Timestamp: time.Unix(1, 0)},
		{ID: "u1", Role: domain.RoleUser, Content: "earlier", Timestamp: time.Unix(2, 0)},
	}
	var mu sync.Mutex
	var changes []domain.ChatSnapshot
	s := NewSession(Config{
		Asker:   echoAsker(),
		Restore: &domain.TranscriptRecord{Messages: saved, ModelLabel: "Gemini"},
		OnChange: func(snap domain.ChatSnapshot) {
			mu.Lock()
			changes = append(changes, snap)
			mu.Unlock()
		},
	})

	snap := s.Snapshot()
	assert.Equal(t, saved, snap.Transcript)
	assert.Equal(t, "Gemini", snap.ModelLabel)

	_, err := s.Send(context.Background(), "again")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(changes), 2)
	assert.Len(t, changes[len(changes)-1].Transcript, 4)
}

func TestTimeoutNarratedInTranscript(t *testing.T) {
	s := NewSession(Config{
		Timeout: 20 * time.Millisecond,
		Asker: askFunc(func(ctx context.Context, _ backend.AskRequest) (backend.AskResponse, error) {
			<-ctx.Done()
			return backend.AskResponse{}, ctx.Err()
		}),
	})

	msg, err := s.Send(context.Background(), "hang")
	require.ErrorIs(t, err, action.ErrTimeout)
	assert.True(t, msg.IsError)
	assert.Contains(t, msg.Content, "request timed out")
	assert.True(t, errors.Is(err, action.ErrTimeout))
}
