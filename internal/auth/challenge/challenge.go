package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"go.uber.org/zap"

	"unichat/internal/email"
	"unichat/internal/logs"
)

// CodeLength is the number of digits in a one-time code.
const CodeLength = 6

const (
	emailSubject = "Your Verification Code"
	emailBody    = "Your verification code is: %s\n\nThis code will expire in 5 minutes."
)

// ErrMissingEmail is returned by Create when the user has no email attribute.
var ErrMissingEmail = errors.New("user email not found in request")

// Config tunes the hooks.
type Config struct {
	From string `yaml:"from"`
	// MaxAttempts fails the login after that many wrong answers. Zero leaves
	// retries to the identity provider.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`
}

// Hooks implements the define, create and verify steps of the email
// one-time-code login. It holds no per-login state.
type Hooks struct {
	cfg     Config
	sender  email.Sender
	logger  *zap.Logger
	newCode func() (string, error)
}

// New returns hooks that deliver codes through sender.
func New(cfg Config, sender email.Sender, logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{
		cfg:     cfg,
		sender:  sender,
		logger:  logger.Named("challenge"),
		newCode: generateCode,
	}
}

// Define decides whether the session has already passed a challenge.
func (h *Hooks) Define(_ context.Context, event *Event) error {
	failures := 0
	for _, entry := range event.Request.Session {
		if entry.ChallengeName != CustomChallenge {
			continue
		}
		if entry.ChallengeResult {
			event.Response.IssueTokens = boolPtr(true)
			event.Response.FailAuthentication = boolPtr(false)
			return nil
		}
		failures++
	}

	if h.cfg.MaxAttempts > 0 && failures >= h.cfg.MaxAttempts {
		h.logger.Info("challenge attempts exhausted", zap.Int("failures", failures))
		event.Response.IssueTokens = boolPtr(false)
		event.Response.FailAuthentication = boolPtr(true)
		return nil
	}

	event.Response.ChallengeName = CustomChallenge
	event.Response.IssueTokens = boolPtr(false)
	event.Response.FailAuthentication = boolPtr(false)
	return nil
}

// Create issues a fresh code and mails it to the user.
func (h *Hooks) Create(ctx context.Context, event *Event) error {
	if event.Request.ChallengeName != CustomChallenge {
		return nil
	}

	address := event.Request.UserAttributes["email"]
	if address == "" {
		return ErrMissingEmail
	}

	code, err := h.newCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	event.Response.PrivateChallengeParameters = map[string]string{
		"code":  code,
		"email": address,
	}
	event.Response.PublicChallengeParameters = map[string]string{
		"trigger": "true",
		"email":   address,
	}

	if err := h.sender.Send(ctx, h.cfg.From, address, emailSubject, fmt.Sprintf(emailBody, code)); err != nil {
		h.logger.Warn("email send failed", logs.EmailHash(address), zap.Error(err))
	} else {
		h.logger.Info("email sent", logs.EmailHash(address), zap.Int("code_length", len(code)))
	}

	event.Response.ChallengeMetadata = EmailChallenge
	return nil
}

// Verify compares the answer with the issued code. A missing code or answer
// is a wrong answer, not an error.
func (h *Hooks) Verify(_ context.Context, event *Event) error {
	expected := event.Request.PrivateChallengeParameters["code"]
	provided := event.Request.ChallengeAnswer

	switch {
	case expected == "":
		h.logger.Info("no expected code in private challenge parameters")
		event.Response.AnswerCorrect = boolPtr(false)
	case provided == "":
		h.logger.Info("no challenge answer provided")
		event.Response.AnswerCorrect = boolPtr(false)
	default:
		match := subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
		event.Response.AnswerCorrect = boolPtr(match)
	}
	return nil
}

// Step names accepted by Run.
const (
	StepDefine = "define"
	StepCreate = "create"
	StepVerify = "verify"
)

// Run decodes an event from in, applies the named step and writes the event
// to out.
func (h *Hooks) Run(ctx context.Context, step string, in io.Reader, out io.Writer) error {
	var apply func(context.Context, *Event) error
	switch step {
	case StepDefine:
		apply = h.Define
	case StepCreate:
		apply = h.Create
	case StepVerify:
		apply = h.Verify
	default:
		return fmt.Errorf("unknown challenge step %q", step)
	}

	var event Event
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		return fmt.Errorf("decode %s event: %w", step, err)
	}
	if err := apply(ctx, &event); err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(event); err != nil {
		return fmt.Errorf("encode %s event: %w", step, err)
	}
	return nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
