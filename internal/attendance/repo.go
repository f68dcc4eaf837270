package attendance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"classroom/internal/store"
)

// Keys of the persisted collections.
const (
	KeyUsers       = "users"
	KeyStudents    = "students"
	KeyAttendance  = "attendance"
	KeyCurrentUser = "currentUser"
)

// Repository reads and writes whole collections as JSON arrays in a backend.
type Repository struct {
	kv store.Backend
}

// NewRepository creates a repo over kv.
func NewRepository(kv store.Backend) *Repository {
	return &Repository{kv: kv}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func decodeList[T any](raw string, found bool) ([]T, error) {
	if !found || raw == "" {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func loadList[T any](ctx context.Context, kv store.Backend, key string) ([]T, error) {
	raw, found, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out, err := decodeList[T](raw, found)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// updateList replaces the collection under key with fn's result in one critical section.
func updateList[T any](ctx context.Context, kv store.Backend, key string, fn func([]T) ([]T, error)) error {
	return kv.Update(ctx, key, func(old string, found bool) (string, error) {
		cur, err := decodeList[T](old, found)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", key, err)
		}
		next, err := fn(cur)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", key, err)
		}
		return string(raw), nil
	})
}

func (r *Repository) Users(ctx context.Context) ([]User, error) {
	return loadList[User](ctx, r.kv, KeyUsers)
}

// InsertUser appends u unless its email is taken.
func (r *Repository) InsertUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	err := updateList(ctx, r.kv, KeyUsers, func(users []User) ([]User, error) {
		for _, existing := range users {
			if existing.Email == u.Email {
				return nil, ErrDuplicateEmail
			}
		}
		return append(users, u), nil
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// SetUserPassword rewrites the stored password of the user with id.
func (r *Repository) SetUserPassword(ctx context.Context, id, password string) error {
	return updateList(ctx, r.kv, KeyUsers, func(users []User) ([]User, error) {
		for i := range users {
			if users[i].ID == id {
				users[i].Password = password
				return users, nil
			}
		}
		return nil, ErrNotFound
	})
}

func (r *Repository) Students(ctx context.Context) ([]Student, error) {
	return loadList[Student](ctx, r.kv, KeyStudents)
}

// InsertStudent appends s. Ids are time-ordered, so a later insert never reuses an earlier id.
func (r *Repository) InsertStudent(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	err := updateList(ctx, r.kv, KeyStudents, func(students []Student) ([]Student, error) {
		return append(students, s), nil
	})
	if err != nil {
		return Student{}, err
	}
	return s, nil
}

func (r *Repository) Records(ctx context.Context) ([]Record, error) {
	return loadList[Record](ctx, r.kv, KeyAttendance)
}

// InsertRecord appends rec. check runs inside the critical section against the current records.
func (r *Repository) InsertRecord(ctx context.Context, rec Record, check func([]Record) error) (Record, error) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	err := updateList(ctx, r.kv, KeyAttendance, func(records []Record) ([]Record, error) {
		if check != nil {
			if err := check(records); err != nil {
				return nil, err
			}
		}
		return append(records, rec), nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Session returns the current session, nil when nobody is logged in.
func (r *Repository) Session(ctx context.Context) (*Session, error) {
	raw, found, err := r.kv.Get(ctx, KeyCurrentUser)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", KeyCurrentUser, err)
	}
	if !found || raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyCurrentUser, err)
	}
	return &s, nil
}

func (r *Repository) SaveSession(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.kv.Update(ctx, KeyCurrentUser, func(string, bool) (string, error) {
		return string(raw), nil
	})
}

func (r *Repository) ClearSession(ctx context.Context) error {
	return r.kv.Delete(ctx, KeyCurrentUser)
}
