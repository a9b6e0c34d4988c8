// Package backend defines the contract every prediction provider adapter
// must satisfy. Providers disagree on payload shape, output naming and
// callback authentication, so the lifecycle engine only ever talks to this
// interface; the concrete provider is selected once by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

var (
	// ErrInputInvalid is returned when the submission request is missing or
	// carries unusable input
	ErrInputInvalid = errors.New("invalid submission input")

	// ErrUnreachable is returned when the provider cannot be reached at the
	// transport level
	ErrUnreachable = errors.New("prediction backend unreachable")

	// ErrRejected is returned when the provider answered but refused the
	// submission
	ErrRejected = errors.New("submission rejected by prediction backend")

	// ErrWebhookMalformed is returned for callbacks with missing or invalid
	// fields
	ErrWebhookMalformed = errors.New("malformed webhook request")

	// ErrWebhookUnauthenticated is returned for callbacks whose source
	// discriminator does not match the active provider
	ErrWebhookUnauthenticated = errors.New("webhook source not authenticated")

	// ErrUnknownStatus is returned when the provider reports a status outside
	// the canonical vocabulary
	ErrUnknownStatus = errors.New("unknown prediction status")
)

// SubmitRequest carries everything an adapter needs to start a prediction.
type SubmitRequest struct {
	JobID       int64
	AudioURL    string
	CallbackURL string
	Language    string
}

// Submission is the normalized result of a successful submit call. Raw holds
// the provider's response snapshot for audit; Status is the provider-reported
// initial status, which the engine trusts over an assumed default.
type Submission struct {
	ExternalID string
	Status     string
	Raw        map[string]any
}

// Event is a normalized webhook callback. Outputs is populated only when
// Status is succeeded; ErrorMessage only when the provider reported one.
type Event struct {
	JobID        int64
	Status       string
	Outputs      map[string]string
	ErrorMessage string
	Raw          map[string]any
}

// Backend is the port a transcription provider adapter implements.
// Submit must be called at most once per job; ParseCallback must not mutate
// any state.
type Backend interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	ParseCallback(r *http.Request) (*Event, error)
}

// CallbackURL appends the provider discriminator and job id to the base
// callback URL. Adapters call this so every provider produces the same
// query shape: from=<name>&job_id=<positive int>.
func CallbackURL(base, name string, jobID int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid callback base URL: %w", err)
	}
	q := u.Query()
	q.Set("from", name)
	q.Set("job_id", strconv.FormatInt(jobID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AuthenticateCallback validates the discriminator and job id of an inbound
// callback for the named provider. Missing or non-positive job ids are
// malformed; a wrong source is unauthenticated. Shared by all adapters so
// the checks cannot drift apart.
func AuthenticateCallback(r *http.Request, name string) (int64, error) {
	q := r.URL.Query()

	from := q.Get("from")
	if from == "" {
		return 0, fmt.Errorf("%w: missing 'from' parameter", ErrWebhookMalformed)
	}

	rawID := q.Get("job_id")
	if rawID == "" {
		return 0, fmt.Errorf("%w: missing 'job_id' parameter", ErrWebhookMalformed)
	}
	jobID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || jobID <= 0 {
		return 0, fmt.Errorf("%w: 'job_id' must be a positive integer", ErrWebhookMalformed)
	}

	if from != name {
		return 0, fmt.Errorf("%w: unknown webhook source %q", ErrWebhookUnauthenticated, from)
	}

	return jobID, nil
}
