package attendance

import "encoding/json"

// User is a teacher account.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the persisted marker of the logged-in user.
type Session struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Student is a roster entry.
type Student struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RollNumber string `json:"rollNumber"`
	Class      string `json:"class"`
}

// UnmarshalJSON also accepts the legacy "_id" key.
func (s *Student) UnmarshalJSON(b []byte) error {
	type plain Student
	var aux struct {
		plain
		LegacyID string `json:"_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Student(aux.plain)
	if s.ID == "" {
		s.ID = aux.LegacyID
	}
	return nil
}

// Entry marks one student present or absent.
type Entry struct {
	StudentID string `json:"studentId"`
	Present   bool   `json:"present"`
}

// Record is one attendance submission for a class on a date.
type Record struct {
	ID      string  `json:"id"`
	Date    string  `json:"date"`
	Class   string  `json:"class"`
	Entries []Entry `json:"entries"`
}

// UnmarshalJSON also accepts the legacy "_id" and "students" keys.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		LegacyID      string  `json:"_id"`
		LegacyEntries []Entry `json:"students"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if r.ID == "" {
		r.ID = aux.LegacyID
	}
	if r.Entries == nil {
		r.Entries = aux.LegacyEntries
	}
	return nil
}

func (u User) session() Session {
	return Session{ID: u.ID, Name: u.Name, Email: u.Email}
}
