// Package fallback answers chat turns from fixed templates when no hosted
// agent is configured.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"career-mentor/internal/domain"
)

// Responder is a template-driven stand-in for the hosted agent. It never fails.
type Responder struct{}

func New() *Responder {
	return &Responder{}
}

// Call answers the opening turn (the one carrying context) with a greeting and
// every later turn by keyword routing over the message.
func (r *Responder) Call(_ context.Context, in domain.AgentRequest) (string, error) {
	if in.Context != nil {
		return greeting(in.Profile), nil
	}
	return answer(in.Message, in.Profile), nil
}

func greeting(p domain.Profile) string {
	return strings.Join([]string{
		"Hello! I'm your Career Mentor, and I'm here to guide you on your professional journey.",
		"",
		fmt.Sprintf("I see you have %s. That's a great foundation! Based on your information, I'll be providing personalized career guidance.", educationLevel(p.Education)),
		"",
		"What would you like to know first? You can ask about:",
		"- Career paths that match your background",
		"- Skills you should develop",
		"- Interview preparation",
		"- Job search strategies",
	}, "\n")
}

func educationLevel(education string) string {
	e := strings.ToLower(education)
	switch {
	case strings.Contains(e, "bachelor"):
		return "Bachelor's degree"
	case strings.Contains(e, "master"):
		return "Master's degree"
	default:
		return "your educational background"
	}
}

func answer(question string, p domain.Profile) string {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "career path", "jobs"):
		return strings.Join([]string{
			fmt.Sprintf("Based on your interests in %s and your %s background, you might consider these career paths:", p.Interests, p.Education),
			"",
			"1. [Role One] - This aligns with your short-term goals of " + p.ShortTermGoals,
			"2. [Role Two] - This could help you achieve your long-term vision of " + p.LongTermGoals,
			"3. [Role Three] - This leverages your current skill set in " + p.Skills,
			"",
			"Would you like more specific information about any of these roles?",
		}, "\n")
	case containsAny(q, "skill", "learn"):
		return strings.Join([]string{
			fmt.Sprintf("To enhance your career prospects in %s, I recommend developing these key skills:", p.Interests),
			"",
			"1. Technical skills: [Specific technical skills relevant to their field]",
			"2. Certifications: [Relevant certifications]",
			"3. Soft skills: Communication, leadership, and problem-solving",
			"",
			"Are there any specific skills you're most interested in developing?",
		}, "\n")
	case containsAny(q, "interview", "prepare"):
		return strings.Join([]string{
			fmt.Sprintf("For interviews in the %s field, prepare for these common questions:", p.Interests),
			"",
			`1. "Tell me about a project where you used [skill mentioned in their skills]"`,
			fmt.Sprintf(`2. "How do you plan to achieve your goal of %s?"`, p.ShortTermGoals),
			fmt.Sprintf(`3. "How does your background in %s prepare you for this role?"`, p.Education),
			"",
			"Would you like me to suggest resources for interview preparation?",
		}, "\n")
	}

	var advice string
	switch {
	case strings.Contains(q, "resume"):
		advice = "For your resume, I recommend highlighting your skills in " + p.Skills + " and connecting them directly to your career goals."
	case containsAny(q, "company", "job"):
		advice = "Given your interests and background, these companies would be worth exploring for opportunities."
	default:
		advice = "I recommend focusing on building skills that bridge where you are now to your goal of " + p.ShortTermGoals
	}
	return strings.Join([]string{
		fmt.Sprintf("That's a great question! Based on your background in %s and interests in %s, here's my guidance:", p.Education, p.Interests),
		"",
		advice,
		"",
		"Would you like more specific advice on this topic?",
	}, "\n")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
