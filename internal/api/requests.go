package api

import (
	"errors"
	"net/mail"
	"time"
)

type accountReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (r accountReq) validate() error {
	if err := validEmail(r.Email); err != nil {
		return err
	}
	if r.Username == "" {
		return errors.New("username is required")
	}
	if r.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

type dailyUsageReq struct {
	Email        string `json:"email"`
	Date         string `json:"date"`
	UsageSummary string `json:"usage_summary"`
}

func (r dailyUsageReq) validate() error {
	if err := validEmail(r.Email); err != nil {
		return err
	}
	if _, err := time.Parse(time.DateOnly, r.Date); err != nil {
		return errors.New("date must be YYYY-MM-DD")
	}
	return nil
}

func validEmail(s string) error {
	if s == "" {
		return errors.New("email is required")
	}
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address != s {
		return errors.New("email is invalid")
	}
	return nil
}
