package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroom/internal/metrics"
)

// DateLayout is the calendar date format of records.
const DateLayout = "2006-01-02"

// AllClasses as a class filter means no filter.
const AllClasses = "all"

// Store is the contract the HTTP layer consumes.
type Store interface {
	ListUsers(ctx context.Context) ([]User, error)
	AddUser(ctx context.Context, u User) (User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	Authenticate(ctx context.Context, email, password string) (User, error)

	Login(ctx context.Context, email, password string) (Session, error)
	CurrentUser(ctx context.Context) (*Session, error)
	Logout(ctx context.Context) error

	ListStudents(ctx context.Context) ([]Student, error)
	AddStudent(ctx context.Context, name, rollNumber, class string) (Student, error)
	ListClasses(ctx context.Context) ([]string, error)
	ListStudentsByClass(ctx context.Context, class string) ([]Student, error)

	RecordAttendance(ctx context.Context, date, class string, entries []Entry) (Record, error)
	QueryAttendance(ctx context.Context, date, class string) ([]Record, error)
	Report(ctx context.Context, date, class string) ([]ReportRow, error)
}

// Options tune the service.
type Options struct {
	// Latency is waited before every operation.
	Latency time.Duration
	// AllowDuplicateSubmission permits several records for one (date, class).
	AllowDuplicateSubmission bool
	// RequireKnownStudents rejects entries whose student is missing from the class roster.
	RequireKnownStudents bool
	// LegacyPlaintextPasswords accepts stored plain text passwords and rehashes them on login.
	LegacyPlaintextPasswords bool
	// StrictSubmission requires YYYY-MM-DD dates and at most one entry per student.
	StrictSubmission bool
}

// DefaultOptions keeps duplicate submissions, checks the roster and validates entries strictly.
func DefaultOptions() Options {
	return Options{AllowDuplicateSubmission: true, RequireKnownStudents: true, StrictSubmission: true}
}

// Service implements Store over a Repository.
type Service struct {
	repo *Repository
	opts Options
	log  *zap.Logger
}

var _ Store = (*Service)(nil)

// NewService creates a service backed by a repository.
func NewService(repo *Repository, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, opts: opts, log: log}
}

func (s *Service) wait(ctx context.Context) error {
	if s.opts.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opts.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) ListUsers(ctx context.Context) (users []User, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("list_users", start, err) }()
	if err = s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.Users(ctx)
}

// AddUser registers u, hashing its password. The returned user carries the hash.
func (s *Service) AddUser(ctx context.Context, u User) (created User, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("add_user", start, err) }()
	if err = s.wait(ctx); err != nil {
		return User{}, err
	}
	u.Email = strings.TrimSpace(u.Email)
	if u.Email == "" || u.Password == "" {
		return User{}, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	if len(u.Password) > maxPasswordBytes {
		return User{}, fmt.Errorf("%w: password longer than %d bytes", ErrValidation, maxPasswordBytes)
	}
	if u.Password, err = hashPassword(u.Password); err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u.ID = ""
	created, err = s.repo.InsertUser(ctx, u)
	if err != nil {
		return User{}, err
	}
	metrics.Registrations.Inc()
	s.log.Info("user registered", zap.String("user_id", created.ID), zap.String("email", created.Email))
	return created, nil
}

func (s *Service) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.findUser(ctx, email)
}

func (s *Service) findUser(ctx context.Context, email string) (*User, error) {
	users, err := s.repo.Users(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Email == email {
			return &users[i], nil
		}
	}
	return nil, nil
}

// Authenticate checks the credential of the user with email.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	if err := s.wait(ctx); err != nil {
		return User{}, err
	}
	u, err := s.authenticate(ctx, email, password)
	switch {
	case err == nil:
		metrics.Logins.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.Logins.WithLabelValues("not_found").Inc()
	case errors.Is(err, ErrInvalidPassword):
		metrics.Logins.WithLabelValues("invalid_password").Inc()
	default:
		metrics.Logins.WithLabelValues("error").Inc()
	}
	return u, err
}

func (s *Service) authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.findUser(ctx, email)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrNotFound
	}
	ok, rehash, err := checkPassword(u.Password, password, s.opts.LegacyPlaintextPasswords)
	if err != nil {
		return User{}, fmt.Errorf("check password: %w", err)
	}
	if !ok {
		return User{}, ErrInvalidPassword
	}
	if rehash {
		hashed, err := hashPassword(password)
		if err == nil {
			err = s.repo.SetUserPassword(ctx, u.ID, hashed)
		}
		if err != nil {
			s.log.Warn("legacy password upgrade failed", zap.String("user_id", u.ID), zap.Error(err))
		} else {
			u.Password = hashed
			s.log.Info("legacy password upgraded", zap.String("user_id", u.ID))
		}
	}
	return *u, nil
}

// Login authenticates and stores the session marker.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	sess := u.session()
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	s.log.Info("user logged in", zap.String("user_id", u.ID))
	return sess, nil
}

func (s *Service) CurrentUser(ctx context.Context) (*Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.Session(ctx)
}

func (s *Service) Logout(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.repo.ClearSession(ctx)
}

func (s *Service) ListStudents(ctx context.Context) ([]Student, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.Students(ctx)
}

// AddStudent appends a student to the roster with a fresh id.
func (s *Service) AddStudent(ctx context.Context, name, rollNumber, class string) (st Student, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("add_student", start, err) }()
	if err = s.wait(ctx); err != nil {
		return Student{}, err
	}
	st, err = s.repo.InsertStudent(ctx, Student{Name: name, RollNumber: rollNumber, Class: class})
	if err != nil {
		return Student{}, err
	}
	metrics.StudentsAdded.Inc()
	s.log.Debug("student added", zap.String("student_id", st.ID), zap.String("class", st.Class))
	return st, nil
}

// ListClasses returns the distinct classes in order of first appearance.
func (s *Service) ListClasses(ctx context.Context) ([]string, error) {
	students, err := s.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(students))
	classes := []string{}
	for _, st := range students {
		if _, ok := seen[st.Class]; ok {
			continue
		}
		seen[st.Class] = struct{}{}
		classes = append(classes, st.Class)
	}
	return classes, nil
}

func (s *Service) ListStudentsByClass(ctx context.Context, class string) ([]Student, error) {
	students, err := s.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	out := []Student{}
	for _, st := range students {
		if st.Class == class {
			out = append(out, st)
		}
	}
	return out, nil
}

// RecordAttendance validates and appends a new record. It never merges with an existing one.
func (s *Service) RecordAttendance(ctx context.Context, date, class string, entries []Entry) (rec Record, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("record_attendance", start, err) }()
	if err = s.wait(ctx); err != nil {
		return Record{}, err
	}
	if err = validateSubmission(date, class, entries, s.opts.StrictSubmission); err != nil {
		return Record{}, err
	}
	if s.opts.RequireKnownStudents {
		if err = s.checkRoster(ctx, class, entries); err != nil {
			return Record{}, err
		}
	}

	rec = Record{Date: date, Class: class, Entries: append([]Entry(nil), entries...)}
	var check func([]Record) error
	if !s.opts.AllowDuplicateSubmission {
		check = func(records []Record) error {
			for _, r := range records {
				if r.Date == date && r.Class == class {
					return ErrDuplicateSubmission
				}
			}
			return nil
		}
	}
	rec, err = s.repo.InsertRecord(ctx, rec, check)
	if err != nil {
		return Record{}, err
	}
	metrics.RecordsSaved.Inc()
	s.log.Info("attendance recorded",
		zap.String("record_id", rec.ID), zap.String("date", date), zap.String("class", class), zap.Int("entries", len(entries)))
	return rec, nil
}

func validateSubmission(date, class string, entries []Entry, strict bool) error {
	if date == "" || class == "" || len(entries) == 0 {
		return fmt.Errorf("%w: date, class and at least one entry are required", ErrValidation)
	}
	if !strict {
		return nil
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, date)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.StudentID == "" {
			return fmt.Errorf("%w: entry without student id", ErrValidation)
		}
		if _, ok := seen[e.StudentID]; ok {
			return fmt.Errorf("%w: student %s listed twice", ErrValidation, e.StudentID)
		}
		seen[e.StudentID] = struct{}{}
	}
	return nil
}

func (s *Service) checkRoster(ctx context.Context, class string, entries []Entry) error {
	students, err := s.repo.Students(ctx)
	if err != nil {
		return err
	}
	classOf := make(map[string]string, len(students))
	for _, st := range students {
		classOf[st.ID] = st.Class
	}
	for _, e := range entries {
		c, ok := classOf[e.StudentID]
		if !ok {
			return fmt.Errorf("%w %s", ErrUnknownStudent, e.StudentID)
		}
		if c != class {
			return fmt.Errorf("%w %s in class %s", ErrUnknownStudent, e.StudentID, class)
		}
	}
	return nil
}

// QueryAttendance filters records by date and class; empty values and AllClasses match everything.
func (s *Service) QueryAttendance(ctx context.Context, date, class string) ([]Record, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	records, err := s.repo.Records(ctx)
	if err != nil {
		return nil, err
	}
	return filterRecords(records, date, class), nil
}

func filterRecords(records []Record, date, class string) []Record {
	if class == AllClasses {
		class = ""
	}
	out := []Record{}
	for _, r := range records {
		if date != "" && r.Date != date {
			continue
		}
		if class != "" && r.Class != class {
			continue
		}
		out = append(out, r)
	}
	return out
}
