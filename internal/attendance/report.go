package attendance

import (
	"context"
	"time"
)

const (
	unknownStudentName = "Unknown Student"
	unknownRollNumber  = "N/A"
)

// ReportLine is one student's mark in a report row.
type ReportLine struct {
	StudentID  string `json:"studentId"`
	Name       string `json:"name"`
	RollNumber string `json:"rollNumber"`
	Present    bool   `json:"present"`
}

// ReportRow is a record resolved against the roster.
type ReportRow struct {
	RecordID    string       `json:"recordId"`
	Date        string       `json:"date"`
	DisplayDate string       `json:"displayDate"`
	Class       string       `json:"class"`
	Present     int          `json:"present"`
	Total       int          `json:"total"`
	Students    []ReportLine `json:"students"`
}

// Report returns the records matching the filters with student names and counts filled in.
func (s *Service) Report(ctx context.Context, date, class string) ([]ReportRow, error) {
	records, err := s.QueryAttendance(ctx, date, class)
	if err != nil {
		return nil, err
	}
	students, err := s.repo.Students(ctx)
	if err != nil {
		return nil, err
	}
	return buildReport(records, students), nil
}

func buildReport(records []Record, students []Student) []ReportRow {
	byID := make(map[string]Student, len(students))
	for _, st := range students {
		byID[st.ID] = st
	}
	rows := make([]ReportRow, 0, len(records))
	for _, r := range records {
		row := ReportRow{
			RecordID:    r.ID,
			Date:        r.Date,
			DisplayDate: displayDate(r.Date),
			Class:       r.Class,
			Total:       len(r.Entries),
			Students:    make([]ReportLine, 0, len(r.Entries)),
		}
		for _, e := range r.Entries {
			line := ReportLine{StudentID: e.StudentID, Name: unknownStudentName, RollNumber: unknownRollNumber, Present: e.Present}
			if st, ok := byID[e.StudentID]; ok {
				line.Name, line.RollNumber = st.Name, st.RollNumber
			}
			if e.Present {
				row.Present++
			}
			row.Students = append(row.Students, line)
		}
		rows = append(rows, row)
	}
	return rows
}

// displayDate renders 2024-01-10 as "January 10, 2024"; unparsable dates are returned as is.
func displayDate(date string) string {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("January 2, 2006")
}
