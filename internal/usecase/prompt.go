package usecase

import (
	"strings"

	"career-mentor/internal/domain"
)

const (
	// OpeningMessage is the synthetic first user turn of every session.
	OpeningMessage = "I'm looking for career guidance based on my background and goals."

	mentorPersona = "CareerMentor.ai"
	noAttachment  = "none provided"
)

// FormatContext renders a profile as the context block sent with the opening
// turn. Field values are copied verbatim.
func FormatContext(p domain.Profile) string {
	attachment := strings.TrimSpace(p.AttachmentName)
	if attachment == "" {
		attachment = noAttachment
	}
	return strings.Join([]string{
		"User Profile:",
		"Education: " + p.Education,
		"Skills: " + p.Skills,
		"Interests: " + p.Interests,
		"Short-term Goals: " + p.ShortTermGoals,
		"Long-term Goals: " + p.LongTermGoals,
		"Resume: " + attachment,
		"",
		"As " + mentorPersona + ", provide personalized career guidance based on the above user profile.",
	}, "\n")
}
