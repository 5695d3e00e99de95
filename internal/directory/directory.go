// Package directory answers who a person is academically and where a course
// meets. It is the read side of the identity provider and course registry.
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"attendguard/internal/geo"
)

var ErrNotFound = errors.New("not found")

// Profile is the eligibility view of a person.
type Profile struct {
	PersonID  string   `json:"person_id"`
	Role      string   `json:"role"`
	Branch    string   `json:"branch"`
	Year      int      `json:"year"`
	Batch     string   `json:"batch"`
	Electives []string `json:"electives,omitempty"`
}

// TakesElective reports whether the person is enrolled in the elective course.
func (p Profile) TakesElective(courseID string) bool {
	return slices.Contains(p.Electives, courseID)
}

// Course carries the geofence defaults and audience of a course.
type Course struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Branch           string     `json:"branch"`
	Year             int        `json:"year"`
	Batches          []string   `json:"batches,omitempty"`
	Elective         bool       `json:"elective"`
	Center           *geo.Point `json:"center,omitempty"`
	Radius           float64    `json:"radius"`
	RequiredAccuracy float64    `json:"required_accuracy"`
}

// People looks up profiles.
type People interface {
	Profile(ctx context.Context, personID string) (Profile, error)
}

// Courses looks up courses.
type Courses interface {
	Course(ctx context.Context, courseID string) (Course, error)
}

// Static is an in-memory directory for tests and local runs.
type Static struct {
	mu      sync.RWMutex
	people  map[string]Profile
	courses map[string]Course
}

func NewStatic() *Static {
	return &Static{people: make(map[string]Profile), courses: make(map[string]Course)}
}

func (s *Static) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.people[p.PersonID] = p
}

func (s *Static) PutCourse(c Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

func (s *Static) Profile(_ context.Context, personID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.people[personID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *Static) Course(_ context.Context, courseID string) (Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[courseID]
	if !ok {
		return Course{}, ErrNotFound
	}
	return c, nil
}
