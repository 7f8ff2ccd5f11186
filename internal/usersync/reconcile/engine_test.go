package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/replica"
	"gamehub/internal/usersync/replica/mocks"
	"gamehub/pkg/domain"
)

type EngineSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockStore *mocks.MockStore
	engine    *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockStore(s.ctrl)
	s.engine = New(s.mockStore, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func (s *EngineSuite) TearDownTest() {
	s.ctrl.Finish()
}

func notFound(what string) error {
	return fmt.Errorf("replica %s: %w", what, replica.ErrNotFound)
}

func (s *EngineSuite) TestCreate() {
	ctx := context.Background()

	s.Run("subjectless create inserts with defaults", func() {
		s.mockStore.EXPECT().FindByNaturalKey(gomock.Any(), "Alice").Return(nil, notFound("Alice"))
		s.mockStore.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec replica.Record) (*replica.Record, error) {
				s.Nil(rec.SubjectID)
				s.Equal("Alice", rec.DisplayName)
				s.Equal(replica.LevelUser, rec.Level)
				s.False(rec.CanSell)
				rec.LocalID = 1
				return &rec, nil
			})

		outcome, err := s.engine.Apply(ctx, event.UserChangeEvent{
			Username: "Alice", AvatarURL: event.StringPtr("/a.png"), Action: event.ActionCreate,
		})
		s.Require().NoError(err)
		s.Equal(OutcomeCreated, outcome)
	})

	s.Run("lookup failure is returned and retryable", func() {
		s.mockStore.EXPECT().FindBySubject(gomock.Any(), domain.SubjectID("42")).Return(nil, errors.New("connection reset"))

		_, err := s.engine.Apply(ctx, event.UserChangeEvent{
			SubjectID: event.SubjectPtr("42"), Username: "Alice", Action: event.ActionCreate,
		})
		s.Require().Error(err)
		s.True(IsRetryable(err))
	})

	s.Run("lost insert race re-reads and ignores", func() {
		winner := replica.NewRecord(nil, "Alice", nil, 0)
		winner.LocalID = 9
		gomock.InOrder(
			s.mockStore.EXPECT().FindByNaturalKey(gomock.Any(), "Alice").Return(nil, notFound("Alice")),
			s.mockStore.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("insert: %w", replica.ErrConflict)),
			s.mockStore.EXPECT().FindByNaturalKey(gomock.Any(), "Alice").Return(&winner, nil),
		)

		outcome, err := s.engine.Apply(ctx, event.UserChangeEvent{Username: "Alice", Action: event.ActionCreate})
		s.Require().NoError(err)
		s.Equal(OutcomeIgnored, outcome)
	})

	s.Run("insert failure is wrapped", func() {
		s.mockStore.EXPECT().FindByNaturalKey(gomock.Any(), "Alice").Return(nil, notFound("Alice"))
		s.mockStore.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil, errors.New("disk full"))

		_, err := s.engine.Apply(ctx, event.UserChangeEvent{Username: "Alice", Action: event.ActionCreate})
		s.Require().Error(err)
		s.Contains(err.Error(), "insert replica")
	})
}

func (s *EngineSuite) TestRejectsInvalidEvents() {
	ctx := context.Background()

	s.Run("blank username", func() {
		_, err := s.engine.Apply(ctx, event.UserChangeEvent{Username: "  ", Action: event.ActionCreate})
		s.ErrorIs(err, ErrInvalidEvent)
		s.False(IsRetryable(err))
	})

	s.Run("unknown action", func() {
		_, err := s.engine.Apply(ctx, event.UserChangeEvent{Username: "Alice", Action: "MERGE"})
		s.ErrorIs(err, ErrUnsupportedAction)
		s.False(IsRetryable(err))
	})
}

func (s *EngineSuite) TestUpdateStaleRace() {
	ctx := context.Background()
	current := replica.NewRecord(event.SubjectPtr("42"), "Alice", nil, 10)
	current.LocalID = 3

	s.mockStore.EXPECT().FindBySubject(gomock.Any(), domain.SubjectID("42")).Return(&current, nil)
	s.mockStore.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("update: %w", replica.ErrStale))

	outcome, err := s.engine.Apply(ctx, event.UserChangeEvent{
		SubjectID: event.SubjectPtr("42"), Username: "Alicia", Action: event.ActionUpdate, EmittedAt: 11,
	})
	s.Require().NoError(err)
	s.Equal(OutcomeStale, outcome, "a concurrent newer write wins")
}

func (s *EngineSuite) TestLinkConflictIsNaturalKeyTaken() {
	ctx := context.Background()
	unlinked := replica.NewRecord(nil, "Alice", nil, 0)
	unlinked.LocalID = 3

	s.mockStore.EXPECT().FindBySubject(gomock.Any(), domain.SubjectID("42")).Return(nil, notFound("42"))
	s.mockStore.EXPECT().FindByNaturalKey(gomock.Any(), "Alice").Return(&unlinked, nil)
	s.mockStore.EXPECT().Link(gomock.Any(), domain.SubjectID("42"), domain.LocalID(3)).Return(fmt.Errorf("link: %w", replica.ErrConflict))

	_, err := s.engine.Apply(ctx, event.UserChangeEvent{
		SubjectID: event.SubjectPtr("42"), Username: "Alice", Action: event.ActionCreate,
	})
	s.ErrorIs(err, ErrNaturalKeyTaken)
	s.True(IsRetryable(err))
}

func TestOutcome_String(t *testing.T) {
	for outcome, want := range map[Outcome]string{
		OutcomeIgnored: "ignored",
		OutcomeCreated: "created",
		OutcomeLinked:  "linked",
		OutcomeUpdated: "updated",
		OutcomeDeleted: "deleted",
		OutcomeStale:   "stale",
		Outcome(99):    "outcome(99)",
	} {
		if got := outcome.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(outcome), got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNaturalKeyTaken, true},
		{errors.New("timeout"), true},
		{fmt.Errorf("x: %w", ErrUnsupportedAction), false},
		{fmt.Errorf("x: %w", ErrInvalidEvent), false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
