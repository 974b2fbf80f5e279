package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mockPool
}

func TestNew(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateCaptures)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordCapture(t *testing.T) {
	ctx := context.Background()
	createdAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	id := uuid.MustParse("7f1f6b1e-3c1d-4a47-9e53-0a4c1f1b2c3d")

	t.Run("inserts all columns in UTC", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertCapture)).
			WithArgs(id, "https://www.linkedin.com/in/example", StatusSuccess, "", "screenshots/p.png", "", int64(1500), createdAt.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.RecordCapture(ctx, Capture{
			ID:             id,
			ProfileURL:     "https://www.linkedin.com/in/example",
			Status:         StatusSuccess,
			ScreenshotPath: "screenshots/p.png",
			Duration:       1500 * time.Millisecond,
			CreatedAt:      createdAt,
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("fills id and timestamp", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertCapture)).
			WithArgs(pgxmock.AnyArg(), "u", StatusFailed, "profile_not_found", "", "not found", int64(0), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.RecordCapture(ctx, Capture{ProfileURL: "u", Status: StatusFailed, Kind: "profile_not_found", Error: "not found"})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates exec errors", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		dbErr := errors.New("relation \"captures\" does not exist")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertCapture)).WillReturnError(dbErr)

		err := s.RecordCapture(ctx, Capture{ProfileURL: "u", Status: StatusSuccess})
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("rejects unexpected row counts", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertCapture)).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		err := s.RecordCapture(ctx, Capture{ProfileURL: "u", Status: StatusSuccess})
		assert.ErrorContains(t, err, "expected 1 row")
	})
}

func TestRecentCaptures(t *testing.T) {
	ctx := context.Background()
	columns := []string{"id", "profile_url", "status", "kind", "screenshot_path", "error", "duration_ms", "created_at"}
	first, second := uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("scans rows newest first", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentCaptures)).
			WithArgs(2).
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow(first, "https://www.linkedin.com/in/a", StatusSuccess, "", "a.png", "", int64(2000), now).
				AddRow(second, "https://www.linkedin.com/in/b", StatusFailed, "challenge_timeout", "", "timed out", int64(600000), now.Add(-time.Minute)))

		got, err := s.RecentCaptures(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first, got[0].ID)
		assert.Equal(t, 2*time.Second, got[0].Duration)
		assert.Equal(t, "challenge_timeout", got[1].Kind)
		assert.Equal(t, 10*time.Minute, got[1].Duration)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("clamps the limit", func(t *testing.T) {
		cases := map[int]int{0: DefaultLimit, -5: DefaultLimit, 10000: MaxLimit, 7: 7}
		for in, want := range cases {
			s, mockPool := newMockStore(t)
			mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentCaptures)).
				WithArgs(want).
				WillReturnRows(pgxmock.NewRows(columns))

			got, err := s.RecentCaptures(ctx, in)
			require.NoError(t, err)
			assert.Empty(t, got)
			assert.NotNil(t, got, "empty history encodes as [] not null")
			assert.NoError(t, mockPool.ExpectationsWereMet())
		}
	})

	t.Run("propagates query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentCaptures)).WillReturnError(errors.New("boom"))

		_, err := s.RecentCaptures(ctx, 5)
		assert.ErrorContains(t, err, "failed to query captures")
	})
}
