package attendance_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom/internal/attendance"
	"classroom/internal/store"
)

func newService(t *testing.T, opts attendance.Options) (*attendance.Service, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	return attendance.NewService(attendance.NewRepository(kv), opts, nil), kv
}

func seed(t *testing.T, kv store.Backend, key, raw string) {
	t.Helper()
	require.NoError(t, kv.Update(context.Background(), key, func(string, bool) (string, error) { return raw, nil }))
}

func TestUsers(t *testing.T) {
	ctx := context.Background()

	t.Run("AddAndAuthenticate", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		created, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: "pw"})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.NotEqual(t, "pw", created.Password)

		u, err := svc.Authenticate(ctx, "a@x.com", "pw")
		require.NoError(t, err)
		assert.Equal(t, created.ID, u.ID)
		assert.Equal(t, "Ann", u.Name)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		_, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: "pw"})
		require.NoError(t, err)

		_, err = svc.AddUser(ctx, attendance.User{Name: "Other", Email: "a@x.com", Password: "pw2"})
		assert.ErrorIs(t, err, attendance.ErrDuplicateEmail)

		users, err := svc.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "Ann", users[0].Name)
	})

	t.Run("MissingFields", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		_, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: " ", Password: "pw"})
		assert.ErrorIs(t, err, attendance.ErrValidation)
	})

	t.Run("PasswordTooLong", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		_, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: strings.Repeat("p", 73)})
		assert.ErrorIs(t, err, attendance.ErrValidation)

		users, err := svc.ListUsers(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("WrongPasswordAndUnknownEmail", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		_, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: "pw"})
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, "a@x.com", "nope")
		assert.ErrorIs(t, err, attendance.ErrInvalidPassword)

		_, err = svc.Authenticate(ctx, "b@x.com", "pw")
		assert.ErrorIs(t, err, attendance.ErrNotFound)
	})

	t.Run("FindUserByEmail", func(t *testing.T) {
		svc, _ := newService(t, attendance.DefaultOptions())
		u, err := svc.FindUserByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		assert.Nil(t, u)

		_, err = svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: "pw"})
		require.NoError(t, err)
		u, err = svc.FindUserByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "Ann", u.Name)
	})
}

func TestLegacyPlaintextPasswords(t *testing.T) {
	ctx := context.Background()
	legacy := `[{"id":"1700000000000","name":"Old","email":"old@x.com","password":"secret"}]`

	t.Run("RejectedByDefault", func(t *testing.T) {
		svc, kv := newService(t, attendance.DefaultOptions())
		seed(t, kv, attendance.KeyUsers, legacy)
		_, err := svc.Authenticate(ctx, "old@x.com", "secret")
		assert.ErrorIs(t, err, attendance.ErrInvalidPassword)
	})

	t.Run("AcceptedAndUpgraded", func(t *testing.T) {
		opts := attendance.DefaultOptions()
		opts.LegacyPlaintextPasswords = true
		svc, kv := newService(t, opts)
		seed(t, kv, attendance.KeyUsers, legacy)

		_, err := svc.Authenticate(ctx, "old@x.com", "wrong")
		assert.ErrorIs(t, err, attendance.ErrInvalidPassword)

		u, err := svc.Authenticate(ctx, "old@x.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, "1700000000000", u.ID)

		stored, err := svc.FindUserByEmail(ctx, "old@x.com")
		require.NoError(t, err)
		assert.NotEqual(t, "secret", stored.Password)

		_, err = svc.Authenticate(ctx, "old@x.com", "secret")
		assert.NoError(t, err)
	})
	t.Run("PlainTextWithHashPrefix", func(t *testing.T) {
		opts := attendance.DefaultOptions()
		opts.LegacyPlaintextPasswords = true
		svc, kv := newService(t, opts)
		seed(t, kv, attendance.KeyUsers, `[{"id":"1700000000001","name":"Odd","email":"odd@x.com","password":"$2b$pass"}]`)

		_, err := svc.Authenticate(ctx, "odd@x.com", "wrong")
		assert.ErrorIs(t, err, attendance.ErrInvalidPassword)

		_, err = svc.Authenticate(ctx, "odd@x.com", "$2b$pass")
		assert.NoError(t, err)
	})
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	svc, kv := newService(t, attendance.DefaultOptions())
	created, err := svc.AddUser(ctx, attendance.User{Name: "Ann", Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	cur, err := svc.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = svc.Login(ctx, "a@x.com", "bad")
	assert.ErrorIs(t, err, attendance.ErrInvalidPassword)
	_, ok, _ := kv.Get(ctx, attendance.KeyCurrentUser)
	assert.False(t, ok)

	sess, err := svc.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, attendance.Session{ID: created.ID, Name: "Ann", Email: "a@x.com"}, sess)

	raw, ok, err := kv.Get(ctx, attendance.KeyCurrentUser)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "password")

	cur, err = svc.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, sess, *cur)

	require.NoError(t, svc.Logout(ctx))
	cur, err = svc.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestStudents(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, attendance.DefaultOptions())

	a, err := svc.AddStudent(ctx, "Ann", "1", "5A")
	require.NoError(t, err)
	b, err := svc.AddStudent(ctx, "Ben", "2", "5B")
	require.NoError(t, err)
	c, err := svc.AddStudent(ctx, "Cid", "1", "5A")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)
	assert.NotEqual(t, a.ID, c.ID)

	all, err := svc.ListStudents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []attendance.Student{a, b, c}, all)

	in5A, err := svc.ListStudentsByClass(ctx, "5A")
	require.NoError(t, err)
	assert.Equal(t, []attendance.Student{a, c}, in5A)

	none, err := svc.ListStudentsByClass(ctx, "5a")
	require.NoError(t, err)
	assert.Empty(t, none)

	classes, err := svc.ListClasses(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"5A", "5B"}, classes)

	again, err := svc.ListClasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, classes, again)
}

func TestAddStudent_LengthGrowsByOne(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, attendance.DefaultOptions())
	for i := 1; i <= 5; i++ {
		_, err := svc.AddStudent(ctx, "S", "", "")
		require.NoError(t, err)
		all, err := svc.ListStudents(ctx)
		require.NoError(t, err)
		assert.Len(t, all, i)
	}
}

func TestRecordAttendance(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, opts attendance.Options) (*attendance.Service, attendance.Student, attendance.Student) {
		svc, _ := newService(t, opts)
		s1, err := svc.AddStudent(ctx, "Ann", "1", "5A")
		require.NoError(t, err)
		s2, err := svc.AddStudent(ctx, "Ben", "2", "5B")
		require.NoError(t, err)
		return svc, s1, s2
	}

	t.Run("EmptyEntries", func(t *testing.T) {
		svc, _, _ := setup(t, attendance.DefaultOptions())
		_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", nil)
		assert.ErrorIs(t, err, attendance.ErrValidation)
		recs, err := svc.QueryAttendance(ctx, "", "")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("MissingDateOrClass", func(t *testing.T) {
		svc, s1, _ := setup(t, attendance.DefaultOptions())
		entries := []attendance.Entry{{StudentID: s1.ID, Present: true}}
		_, err := svc.RecordAttendance(ctx, "", "5A", entries)
		assert.ErrorIs(t, err, attendance.ErrValidation)
		_, err = svc.RecordAttendance(ctx, "2024-01-10", "", entries)
		assert.ErrorIs(t, err, attendance.ErrValidation)
		_, err = svc.RecordAttendance(ctx, "10/01/2024", "5A", entries)
		assert.ErrorIs(t, err, attendance.ErrValidation)
	})

	t.Run("DuplicateStudentInEntries", func(t *testing.T) {
		svc, s1, _ := setup(t, attendance.DefaultOptions())
		_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{
			{StudentID: s1.ID, Present: true}, {StudentID: s1.ID, Present: false},
		})
		assert.ErrorIs(t, err, attendance.ErrValidation)
	})

	t.Run("LenientSubmission", func(t *testing.T) {
		opts := attendance.DefaultOptions()
		opts.StrictSubmission = false
		svc, s1, _ := setup(t, opts)
		_, err := svc.RecordAttendance(ctx, "10/01/2024", "5A", []attendance.Entry{
			{StudentID: s1.ID, Present: true}, {StudentID: s1.ID, Present: false},
		})
		require.NoError(t, err)

		got, err := svc.QueryAttendance(ctx, "10/01/2024", "5A")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Len(t, got[0].Entries, 2)
	})

	t.Run("RecordThenQuery", func(t *testing.T) {
		svc, s1, _ := setup(t, attendance.DefaultOptions())
		rec, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{{StudentID: s1.ID, Present: true}})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)

		got, err := svc.QueryAttendance(ctx, "2024-01-10", "5A")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rec, got[0])
		assert.Equal(t, []attendance.Entry{{StudentID: s1.ID, Present: true}}, got[0].Entries)
	})

	t.Run("UnknownStudentRejected", func(t *testing.T) {
		svc, _, s2 := setup(t, attendance.DefaultOptions())
		_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{{StudentID: "s1", Present: true}})
		assert.ErrorIs(t, err, attendance.ErrUnknownStudent)
		assert.ErrorIs(t, err, attendance.ErrValidation)

		_, err = svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{{StudentID: s2.ID, Present: true}})
		assert.ErrorIs(t, err, attendance.ErrUnknownStudent)
	})

	t.Run("RosterCheckDisabled", func(t *testing.T) {
		opts := attendance.DefaultOptions()
		opts.RequireKnownStudents = false
		svc, _, _ := setup(t, opts)
		_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{{StudentID: "s1", Present: true}})
		require.NoError(t, err)
		got, err := svc.QueryAttendance(ctx, "2024-01-10", "5A")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "s1", got[0].Entries[0].StudentID)
	})

	t.Run("DuplicateSubmissionAllowedByDefault", func(t *testing.T) {
		svc, s1, _ := setup(t, attendance.DefaultOptions())
		entries := []attendance.Entry{{StudentID: s1.ID, Present: true}}
		first, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", entries)
		require.NoError(t, err)
		second, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", entries)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		got, err := svc.QueryAttendance(ctx, "2024-01-10", "5A")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("DuplicateSubmissionRejected", func(t *testing.T) {
		opts := attendance.DefaultOptions()
		opts.AllowDuplicateSubmission = false
		svc, s1, _ := setup(t, opts)
		entries := []attendance.Entry{{StudentID: s1.ID, Present: true}}
		_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", entries)
		require.NoError(t, err)
		_, err = svc.RecordAttendance(ctx, "2024-01-10", "5A", entries)
		assert.ErrorIs(t, err, attendance.ErrDuplicateSubmission)
		_, err = svc.RecordAttendance(ctx, "2024-01-11", "5A", entries)
		assert.NoError(t, err)

		got, err := svc.QueryAttendance(ctx, "", "5A")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestQueryAttendance_Filters(t *testing.T) {
	ctx := context.Background()
	opts := attendance.DefaultOptions()
	opts.RequireKnownStudents = false
	svc, _ := newService(t, opts)

	mk := func(date, class string) attendance.Record {
		r, err := svc.RecordAttendance(ctx, date, class, []attendance.Entry{{StudentID: "x", Present: false}})
		require.NoError(t, err)
		return r
	}
	r1 := mk("2024-01-10", "5A")
	r2 := mk("2024-01-10", "5B")
	r3 := mk("2024-01-11", "5A")

	all, err := svc.QueryAttendance(ctx, "", "all")
	require.NoError(t, err)
	assert.Equal(t, []attendance.Record{r1, r2, r3}, all)

	all, err = svc.QueryAttendance(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byDate, err := svc.QueryAttendance(ctx, "2024-01-10", "")
	require.NoError(t, err)
	assert.Equal(t, []attendance.Record{r1, r2}, byDate)

	byDateAll, err := svc.QueryAttendance(ctx, "2024-01-10", "all")
	require.NoError(t, err)
	assert.Equal(t, byDate, byDateAll)

	byClass, err := svc.QueryAttendance(ctx, "", "5A")
	require.NoError(t, err)
	assert.Equal(t, []attendance.Record{r1, r3}, byClass)

	none, err := svc.QueryAttendance(ctx, "2024-02-01", "5A")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentWritesKeepEveryAppend(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, attendance.DefaultOptions())
	st, err := svc.AddStudent(ctx, "Ann", "1", "5A")
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.AddStudent(ctx, "S", "", "5B")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.RecordAttendance(ctx, "2024-01-10", "5A", []attendance.Entry{{StudentID: st.ID, Present: true}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	students, err := svc.ListStudents(ctx)
	require.NoError(t, err)
	assert.Len(t, students, n+1)

	ids := map[string]struct{}{}
	for _, s := range students {
		ids[s.ID] = struct{}{}
	}
	assert.Len(t, ids, n+1)

	recs, err := svc.QueryAttendance(ctx, "2024-01-10", "5A")
	require.NoError(t, err)
	assert.Len(t, recs, n)
}

func TestLegacyRecordsDecode(t *testing.T) {
	ctx := context.Background()
	svc, kv := newService(t, attendance.DefaultOptions())
	seed(t, kv, attendance.KeyStudents, `[{"_id":"1704870000000","name":"Ann","rollNumber":"7","class":"5A"}]`)
	seed(t, kv, attendance.KeyAttendance, `[{"_id":"1704870000001","date":"2024-01-10","class":"5A","students":[{"studentId":"1704870000000","present":true}]}]`)

	students, err := svc.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "1704870000000", students[0].ID)

	recs, err := svc.QueryAttendance(ctx, "2024-01-10", "5A")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1704870000001", recs[0].ID)
	assert.Equal(t, []attendance.Entry{{StudentID: "1704870000000", Present: true}}, recs[0].Entries)

	// Records written back use the current field names.
	_, err = svc.RecordAttendance(ctx, "2024-01-11", "5A", []attendance.Entry{{StudentID: "1704870000000", Present: false}})
	require.NoError(t, err)
	raw, _, err := kv.Get(ctx, attendance.KeyAttendance)
	require.NoError(t, err)
	var generic []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	require.Len(t, generic, 2)
	assert.Contains(t, generic[0], "entries")
	assert.Contains(t, generic[0], "id")
}

func TestCorruptCollection(t *testing.T) {
	ctx := context.Background()
	svc, kv := newService(t, attendance.DefaultOptions())
	seed(t, kv, attendance.KeyStudents, `{oops`)

	_, err := svc.ListStudents(ctx)
	assert.Error(t, err)

	_, err = svc.AddStudent(ctx, "Ann", "1", "5A")
	assert.Error(t, err)
	raw, _, _ := kv.Get(ctx, attendance.KeyStudents)
	assert.Equal(t, `{oops`, raw)
}

func TestLatency(t *testing.T) {
	opts := attendance.DefaultOptions()
	opts.Latency = 30 * time.Millisecond
	svc, _ := newService(t, opts)

	start := time.Now()
	_, err := svc.ListStudents(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.AddStudent(ctx, "Ann", "1", "5A")
	assert.True(t, errors.Is(err, context.Canceled))

	all, err := svc.ListStudents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
