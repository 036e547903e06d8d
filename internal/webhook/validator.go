// internal/webhook/validator.go
package webhook

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/go-github/v62/github"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

const (
	EventWatch    = "watch"
	ActionStarted = "started"

	signaturePrefix = "sha256="
)

// Result is the outcome of a successful validation: either a star event to
// process or an ignored delivery with a reason.
type Result struct {
	Ignored bool
	Reason  string
	Event   *model.StarEvent
}

// Validator authenticates GitHub deliveries and decodes star events.
type Validator struct {
	secret   []byte
	validate *validator.Validate
}

func NewValidator(secret string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return &Validator{secret: []byte(secret), validate: v}
}

// watchEnvelope is the subset of the watch payload a sync needs.
type watchEnvelope struct {
	Action     string           `json:"action" validate:"required"`
	Repository *repositoryShape `json:"repository" validate:"required"`
	Sender     *senderShape     `json:"sender" validate:"required"`
}

type repositoryShape struct {
	ID            int64       `json:"id" validate:"required"`
	Name          string      `json:"name" validate:"required"`
	FullName      string      `json:"full_name" validate:"required"`
	Owner         *ownerShape `json:"owner" validate:"required"`
	HTMLURL       string      `json:"html_url" validate:"required,url"`
	CloneURL      string      `json:"clone_url" validate:"required,url"`
	DefaultBranch string      `json:"default_branch" validate:"required"`
	Private       *bool       `json:"private" validate:"required"`
	Size          *int        `json:"size" validate:"required,gte=0"`
}

type ownerShape struct {
	Login string `json:"login" validate:"required"`
	Type  string `json:"type" validate:"required"`
}

type senderShape struct {
	Login string `json:"login" validate:"required"`
}

// Validate checks the signature, then decodes body. Signature problems return
// ErrSignatureInvalid and malformed bodies ErrPayloadInvalid. Deliveries that are
// not a started watch event are reported as ignored, not as errors.
func (v *Validator) Validate(eventType string, body []byte, signature string) (*Result, error) {
	if err := v.VerifySignature(body, signature); err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &custom_errors.ErrPayloadInvalid{Reason: "body is not valid JSON"}
	}
	if eventType != EventWatch {
		return &Result{Ignored: true, Reason: "not a watch event"}, nil
	}

	parsed, err := github.ParseWebHook(EventWatch, body)
	if err != nil {
		return nil, &custom_errors.ErrPayloadInvalid{Reason: err.Error()}
	}
	watch, ok := parsed.(*github.WatchEvent)
	if !ok {
		return nil, &custom_errors.ErrPayloadInvalid{Reason: fmt.Sprintf("unexpected payload type %T", parsed)}
	}

	env := toEnvelope(watch)
	if err := v.validate.Struct(env); err != nil {
		return nil, &custom_errors.ErrPayloadInvalid{Reason: describeShapeError(err)}
	}

	if env.Action != ActionStarted {
		return &Result{Ignored: true, Reason: fmt.Sprintf("action is %s, not started", env.Action)}, nil
	}

	return &Result{Event: toStarEvent(watch, starredAt(body))}, nil
}

// VerifySignature checks signature against HMAC-SHA256(secret, body).
func (v *Validator) VerifySignature(body []byte, signature string) error {
	if signature == "" {
		return &custom_errors.ErrSignatureInvalid{Reason: "missing signature"}
	}
	digest, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return &custom_errors.ErrSignatureInvalid{Reason: "signature must use sha256"}
	}
	if raw, err := hex.DecodeString(digest); err != nil || len(raw) != 32 {
		return &custom_errors.ErrSignatureInvalid{Reason: "malformed signature"}
	}
	if err := github.ValidateSignature(signature, body, v.secret); err != nil {
		return &custom_errors.ErrSignatureInvalid{Reason: "signature mismatch"}
	}
	return nil
}

func toEnvelope(ev *github.WatchEvent) *watchEnvelope {
	env := &watchEnvelope{Action: ev.GetAction()}
	if repo := ev.Repo; repo != nil {
		shape := &repositoryShape{
			ID:            repo.GetID(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			HTMLURL:       repo.GetHTMLURL(),
			CloneURL:      repo.GetCloneURL(),
			DefaultBranch: repo.GetDefaultBranch(),
			Private:       repo.Private,
			Size:          repo.Size,
		}
		if repo.Owner != nil {
			shape.Owner = &ownerShape{Login: repo.Owner.GetLogin(), Type: repo.Owner.GetType()}
		}
		env.Repository = shape
	}
	if ev.Sender != nil {
		env.Sender = &senderShape{Login: ev.Sender.GetLogin()}
	}
	return env
}

func toStarEvent(ev *github.WatchEvent, at *time.Time) *model.StarEvent {
	repo := ev.GetRepo()
	return &model.StarEvent{
		Action:    ev.GetAction(),
		StarredAt: at,
		Sender:    ev.GetSender().GetLogin(),
		Repository: model.SourceRepository{
			ID:            repo.GetID(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			Owner:         repo.GetOwner().GetLogin(),
			OwnerType:     repo.GetOwner().GetType(),
			HTMLURL:       repo.GetHTMLURL(),
			CloneURL:      repo.GetCloneURL(),
			DefaultBranch: repo.GetDefaultBranch(),
			Private:       repo.GetPrivate(),
			SizeKB:        repo.GetSize(),
			Description:   repo.Description,
			Language:      repo.Language,
			StarsCount:    repo.GetStargazersCount(),
			ForksCount:    repo.GetForksCount(),
		},
	}
}

// starredAt reads the optional starred_at field; go-github's WatchEvent does not carry it.
func starredAt(body []byte) *time.Time {
	var extra struct {
		StarredAt *time.Time `json:"starred_at"`
	}
	if err := json.Unmarshal(body, &extra); err != nil {
		return nil
	}
	return extra.StarredAt
}

func describeShapeError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		fields = append(fields, fmt.Sprintf("%s failed %q", ns, fe.Tag()))
	}
	return "invalid payload structure: " + strings.Join(fields, ", ")
}
