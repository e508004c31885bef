package domain

import "strings"

// Profile is the career background a session is opened with.
type Profile struct {
	Education      string `json:"education"`
	Skills         string `json:"skills"`
	Interests      string `json:"interests"`
	ShortTermGoals string `json:"shortTermGoals"`
	LongTermGoals  string `json:"longTermGoals"`
	AttachmentName string `json:"attachmentName,omitempty"`
}

// MissingFields returns the JSON names of required fields that are blank.
func (p Profile) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"education", p.Education},
		{"skills", p.Skills},
		{"interests", p.Interests},
		{"shortTermGoals", p.ShortTermGoals},
		{"longTermGoals", p.LongTermGoals},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}
