package attendance

import (
	"fmt"
	"slices"
	"strings"

	"attendguard/internal/directory"
)

// Eligible checks a profile against a session audience. Elective sessions admit
// only enrolled students; otherwise branch, year and batch must match, and an
// elective enrolment in the course overrides a mismatch.
func Eligible(p directory.Profile, courseID string, a Audience) (bool, string) {
	enrolled := p.TakesElective(courseID)
	if a.Elective {
		if enrolled {
			return true, ""
		}
		return false, "you are not enrolled in this elective"
	}
	if enrolled {
		return true, ""
	}
	if len(a.Branches) > 0 && !containsFold(a.Branches, p.Branch) {
		return false, fmt.Sprintf("this session is for %s students", strings.Join(a.Branches, "/"))
	}
	if a.Year > 0 && p.Year != a.Year {
		return false, fmt.Sprintf("this session is for year %d", a.Year)
	}
	if len(a.Batches) > 0 && !containsFold(a.Batches, p.Batch) {
		return false, fmt.Sprintf("this session is for batch %s", strings.Join(a.Batches, "/"))
	}
	return true, ""
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
