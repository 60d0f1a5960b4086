// Package jobs defines the job envelope placed on the dispatch queue.
//
// An envelope is a two level tagged union: the outer Job carries a task_type
// and the inner EmailJob carries an email_type. Each tag selects exactly one
// payload shape, and decoding never coerces one shape into another.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"healthq/internal/domain"
)

var (
	// ErrMalformedEnvelope is returned by Decode for any body that does not
	// parse as a well formed envelope. Such a message can never be processed.
	ErrMalformedEnvelope = errors.New("malformed job envelope")
	// ErrInvalidJob is returned by Encode when a Job's data does not match its tags.
	ErrInvalidJob = errors.New("invalid job")
)

type TaskType string

const TaskEmail TaskType = "Email"

type EmailType string

const (
	Registration    EmailType = "Registration"
	ResetPassword   EmailType = "ResetPassword"
	EmailChange     EmailType = "EmailChange"
	MonthlyRecap    EmailType = "MonthlyRecap"
	WeeklyRecap     EmailType = "WeeklyRecap"
	YearlyRecap     EmailType = "YearlyRecap"
	DailyUsageRecap EmailType = "DailyUsageRecap"
)

var EmailTypes = []EmailType{
	Registration, ResetPassword, EmailChange,
	MonthlyRecap, WeeklyRecap, YearlyRecap,
	DailyUsageRecap,
}

// DeliveryGuarantee documents what a producer can expect for an email type.
type DeliveryGuarantee string

const (
	// AtMostOnce: enqueued once by the triggering request; lost if the
	// message is dropped after it is popped.
	AtMostOnce DeliveryGuarantee = "at-most-once"
	// AtLeastOnce: enqueue is repeated until the eligibility row is flipped,
	// so a crash between enqueue and flip produces a duplicate.
	AtLeastOnce DeliveryGuarantee = "at-least-once"
)

func (t EmailType) Guarantee() DeliveryGuarantee {
	switch t {
	case MonthlyRecap, WeeklyRecap, YearlyRecap:
		return AtLeastOnce
	}
	return AtMostOnce
}

// RegisterPayload is shared by Registration, ResetPassword and EmailChange.
type RegisterPayload struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// RecapPayload is shared by the monthly, weekly and yearly recaps.
type RecapPayload struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type DailyUsagePayload struct {
	Email        string `json:"email"`
	Date         string `json:"date"`
	UsageSummary string `json:"usage_summary"`
}

// Job is the outer envelope. Data holds an EmailJob when TaskType is TaskEmail.
type Job struct {
	TaskType TaskType
	Data     any
}

// EmailJob is the inner envelope. Data holds the payload value for EmailType.
type EmailJob struct {
	EmailType EmailType
	Data      any
}

// Email returns the inner email envelope of j.
func (j Job) Email() (EmailJob, bool) {
	e, ok := j.Data.(EmailJob)
	return e, ok && j.TaskType == TaskEmail
}

type wireJob struct {
	TaskType TaskType        `json:"task_type"`
	Data     json.RawMessage `json:"data"`
}

type wireEmail struct {
	EmailType EmailType       `json:"email_type"`
	Data      json.RawMessage `json:"data"`
}

// Encode serializes j into its wire form.
func Encode(j Job) ([]byte, error) {
	var inner []byte
	switch j.TaskType {
	case TaskEmail:
		e, ok := j.Data.(EmailJob)
		if !ok {
			return nil, fmt.Errorf("%w: task %s carries %T", ErrInvalidJob, j.TaskType, j.Data)
		}
		if err := checkPayload(e.EmailType, e.Data); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		inner, err = json.Marshal(wireEmail{EmailType: e.EmailType, Data: payload})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown task_type %q", ErrInvalidJob, j.TaskType)
	}
	return json.Marshal(wireJob{TaskType: j.TaskType, Data: inner})
}

// Decode parses a wire envelope. All failures wrap ErrMalformedEnvelope.
func Decode(body []byte) (Job, error) {
	j, err := decodeJob(body)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return j, nil
}

func decodeJob(body []byte) (Job, error) {
	var w wireJob
	if err := strictUnmarshal(body, &w, "task_type", "data"); err != nil {
		return Job{}, err
	}
	switch w.TaskType {
	case TaskEmail:
		e, err := decodeEmail(w.Data)
		if err != nil {
			return Job{}, err
		}
		return Job{TaskType: TaskEmail, Data: e}, nil
	}
	return Job{}, fmt.Errorf("unknown task_type %q", w.TaskType)
}

func decodeEmail(raw json.RawMessage) (EmailJob, error) {
	var w wireEmail
	if err := strictUnmarshal(raw, &w, "email_type", "data"); err != nil {
		return EmailJob{}, err
	}
	var (
		data any
		err  error
	)
	switch w.EmailType {
	case Registration, ResetPassword, EmailChange:
		var p RegisterPayload
		err = strictUnmarshal(w.Data, &p, "email", "username", "token")
		data = p
	case MonthlyRecap, WeeklyRecap, YearlyRecap:
		var p RecapPayload
		err = strictUnmarshal(w.Data, &p, "email", "username")
		data = p
	case DailyUsageRecap:
		var p DailyUsagePayload
		err = strictUnmarshal(w.Data, &p, "email", "date", "usage_summary")
		data = p
	default:
		return EmailJob{}, fmt.Errorf("unknown email_type %q", w.EmailType)
	}
	if err != nil {
		return EmailJob{}, fmt.Errorf("%s payload: %w", w.EmailType, err)
	}
	return EmailJob{EmailType: w.EmailType, Data: data}, nil
}

func checkPayload(t EmailType, data any) error {
	ok := false
	switch t {
	case Registration, ResetPassword, EmailChange:
		_, ok = data.(RegisterPayload)
	case MonthlyRecap, WeeklyRecap, YearlyRecap:
		_, ok = data.(RecapPayload)
	case DailyUsageRecap:
		_, ok = data.(DailyUsagePayload)
	default:
		return fmt.Errorf("%w: unknown email_type %q", ErrInvalidJob, t)
	}
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrInvalidJob, t, data)
	}
	return nil
}

// strictUnmarshal decodes a JSON object into v. Every field of the schema
// is required and keys must match exactly; unknown keys, case variants,
// null values and trailing data are rejected.
func strictUnmarshal(data []byte, v any, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("expected object, got null")
	}
	for key := range fields {
		if !slices.Contains(required, key) {
			return fmt.Errorf("unknown field %q", key)
		}
	}
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("missing field %q", name)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after object")
	}
	return nil
}

func emailJob(t EmailType, payload any) Job {
	return Job{TaskType: TaskEmail, Data: EmailJob{EmailType: t, Data: payload}}
}

func NewRegistration(email, username, token string) Job {
	return emailJob(Registration, RegisterPayload{Email: email, Username: username, Token: token})
}

func NewResetPassword(email, username, token string) Job {
	return emailJob(ResetPassword, RegisterPayload{Email: email, Username: username, Token: token})
}

func NewEmailChange(email, username, token string) Job {
	return emailJob(EmailChange, RegisterPayload{Email: email, Username: username, Token: token})
}

func NewDailyUsageRecap(email, date, summary string) Job {
	return emailJob(DailyUsageRecap, DailyUsagePayload{Email: email, Date: date, UsageSummary: summary})
}

// RecapTypeFor maps a digest kind to its email type.
func RecapTypeFor(kind domain.DigestKind) (EmailType, error) {
	switch kind {
	case domain.DigestMonthly:
		return MonthlyRecap, nil
	case domain.DigestWeekly:
		return WeeklyRecap, nil
	case domain.DigestYearly:
		return YearlyRecap, nil
	}
	return "", fmt.Errorf("%w: unknown digest kind %q", ErrInvalidJob, kind)
}

func NewRecap(kind domain.DigestKind, email, username string) (Job, error) {
	t, err := RecapTypeFor(kind)
	if err != nil {
		return Job{}, err
	}
	return emailJob(t, RecapPayload{Email: email, Username: username}), nil
}
