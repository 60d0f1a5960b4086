package email

import (
	"fmt"
	"net/url"
	"strings"

	"healthq/internal/jobs"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Compose builds the outgoing message for an email job.
func Compose(e jobs.EmailJob, baseURL string) (Message, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	switch p := e.Data.(type) {
	case jobs.RegisterPayload:
		switch e.EmailType {
		case jobs.Registration:
			return Message{
				To:      p.Email,
				Subject: "Verify your email address",
				Body: fmt.Sprintf("Hi %s,\n\nWelcome aboard. Confirm your account here:\n%s\n",
					p.Username, link(baseURL, "/verify-email", p.Token)),
			}, nil
		case jobs.ResetPassword:
			return Message{
				To:      p.Email,
				Subject: "Reset your password",
				Body: fmt.Sprintf("Hi %s,\n\nUse this link to choose a new password:\n%s\n\nIf you did not ask for this, ignore this email.\n",
					p.Username, link(baseURL, "/reset-password", p.Token)),
			}, nil
		case jobs.EmailChange:
			return Message{
				To:      p.Email,
				Subject: "Confirm your new email address",
				Body: fmt.Sprintf("Hi %s,\n\nConfirm this address for your account:\n%s\n",
					p.Username, link(baseURL, "/confirm-email", p.Token)),
			}, nil
		}
	case jobs.RecapPayload:
		var period string
		switch e.EmailType {
		case jobs.MonthlyRecap:
			period = "monthly"
		case jobs.WeeklyRecap:
			period = "weekly"
		case jobs.YearlyRecap:
			period = "yearly"
		}
		if period != "" {
			return Message{
				To:      p.Email,
				Subject: fmt.Sprintf("Your %s recap", period),
				Body: fmt.Sprintf("Hi %s,\n\nYour %s recap of meals, workouts and weight is ready:\n%s/recap/%s\n",
					p.Username, period, baseURL, period),
			}, nil
		}
	case jobs.DailyUsagePayload:
		if e.EmailType == jobs.DailyUsageRecap {
			return Message{
				To:      p.Email,
				Subject: fmt.Sprintf("Your daily usage recap for %s", p.Date),
				Body:    fmt.Sprintf("Here is what you logged on %s:\n\n%s\n", p.Date, p.UsageSummary),
			}, nil
		}
	}
	return Message{}, fmt.Errorf("%w: %s with %T", ErrUnsupported, e.EmailType, e.Data)
}

func link(baseURL, path, token string) string {
	return baseURL + path + "?token=" + url.QueryEscape(token)
}
