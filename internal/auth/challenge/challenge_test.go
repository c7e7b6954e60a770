package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"unichat/internal/logs"
)

type sentMail struct {
	from, to, subject, body string
}

type recordingSender struct {
	sent []sentMail
	err  error
}

func (s *recordingSender) Send(_ context.Context, from, to, subject, body string) error {
	s.sent = append(s.sent, sentMail{from, to, subject, body})
	return s.err
}

func TestDefineStartsChallengeWithoutHistory(t *testing.T) {
	h := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))

	var event Event
	require.NoError(t, h.Define(context.Background(), &event))
	assert.Equal(t, CustomChallenge, event.Response.ChallengeName)
	assert.False(t, *event.Response.IssueTokens)
	assert.False(t, *event.Response.FailAuthentication)
}

func TestDefineIssuesTokensAfterSuccess(t *testing.T) {
	h := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))

	event := Event{Request: Request{Session: []SessionEntry{
		{ChallengeName: CustomChallenge, ChallengeResult: false},
		{ChallengeName: CustomChallenge, ChallengeResult: true},
	}}}
	require.NoError(t, h.Define(context.Background(), &event))
	assert.True(t, *event.Response.IssueTokens)
	assert.False(t, *event.Response.FailAuthentication)
	assert.Empty(t, event.Response.ChallengeName)
}

func TestDefineIgnoresOtherChallengeKinds(t *testing.T) {
	h := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))

	event := Event{Request: Request{Session: []SessionEntry{
		{ChallengeName: "SRP_A", ChallengeResult: true},
	}}}
	require.NoError(t, h.Define(context.Background(), &event))
	assert.False(t, *event.Response.IssueTokens)
	assert.Equal(t, CustomChallenge, event.Response.ChallengeName)
}

func TestDefineAttemptCap(t *testing.T) {
	failed := []SessionEntry{
		{ChallengeName: CustomChallenge},
		{ChallengeName: CustomChallenge},
		{ChallengeName: CustomChallenge},
	}

	uncapped := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))
	event := Event{Request: Request{Session: failed}}
	require.NoError(t, uncapped.Define(context.Background(), &event))
	assert.Equal(t, CustomChallenge, event.Response.ChallengeName)

	capped := New(Config{MaxAttempts: 3}, &recordingSender{}, zaptest.NewLogger(t))
	event = Event{Request: Request{Session: failed}}
	require.NoError(t, capped.Define(context.Background(), &event))
	assert.True(t, *event.Response.FailAuthentication)
	assert.False(t, *event.Response.IssueTokens)
	assert.Empty(t, event.Response.ChallengeName)
}

func TestCreateIssuesCodeAndMailsIt(t *testing.T) {
	sender := &recordingSender{}
	h := New(Config{From: "noreply@unichat.test"}, sender, zaptest.NewLogger(t))

	event := Event{Request: Request{
		ChallengeName:  CustomChallenge,
		UserAttributes: map[string]string{"email": "ada@example.edu"},
	}}
	require.NoError(t, h.Create(context.Background(), &event))

	code := event.Response.PrivateChallengeParameters["code"]
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
	assert.Equal(t, map[string]string{"code": code, "email": "ada@example.edu"}, event.Response.PrivateChallengeParameters)
	assert.Equal(t, map[string]string{"trigger": "true", "email": "ada@example.edu"}, event.Response.PublicChallengeParameters)
	assert.Equal(t, EmailChallenge, event.Response.ChallengeMetadata)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, sentMail{
		from:    "noreply@unichat.test",
		to:      "ada@example.edu",
		subject: "Your Verification Code",
		body:    "Your verification code is: " + code + "\n\nThis code will expire in 5 minutes.",
	}, sender.sent[0])
}

func TestCreateRequiresEmail(t *testing.T) {
	sender := &recordingSender{}
	h := New(Config{}, sender, zaptest.NewLogger(t))

	event := Event{Request: Request{ChallengeName: CustomChallenge}}
	assert.ErrorIs(t, h.Create(context.Background(), &event), ErrMissingEmail)
	assert.Empty(t, sender.sent)
}

func TestCreateSkipsOtherChallenges(t *testing.T) {
	sender := &recordingSender{}
	h := New(Config{}, sender, zaptest.NewLogger(t))

	event := Event{Request: Request{ChallengeName: "PASSWORD_VERIFIER"}}
	require.NoError(t, h.Create(context.Background(), &event))
	assert.Nil(t, event.Response.PrivateChallengeParameters)
	assert.Empty(t, sender.sent)
}

func TestCreateSurvivesEmailFailureWithoutLoggingAddress(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	sender := &recordingSender{err: errors.New("relay refused")}
	h := New(Config{}, sender, zap.New(core))
	h.newCode = func() (string, error) { return "123456", nil }

	event := Event{Request: Request{
		ChallengeName:  CustomChallenge,
		UserAttributes: map[string]string{"email": "ada@example.edu"},
	}}
	require.NoError(t, h.Create(context.Background(), &event))
	assert.Equal(t, "123456", event.Response.PrivateChallengeParameters["code"])
	assert.Equal(t, EmailChallenge, event.Response.ChallengeMetadata)

	entries := recorded.FilterMessage("email send failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, logs.MaskEmail("ada@example.edu"), entries[0].ContextMap()["email_hash"])
	for _, entry := range recorded.All() {
		for _, value := range entry.ContextMap() {
			s, _ := value.(string)
			assert.NotContains(t, s, "ada@example.edu")
			assert.NotContains(t, s, "123456")
		}
	}
}

func TestVerify(t *testing.T) {
	h := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))

	cases := map[string]struct {
		expected, provided string
		want               bool
	}{
		"match":          {"123456", "123456", true},
		"mismatch":       {"123456", "654321", false},
		"no expected":    {"", "123456", false},
		"both empty":     {"", "", false},
		"no answer":      {"123456", "", false},
		"untrimmed":      {"123456", " 123456", false},
		"prefix":         {"123456", "12345", false},
		"case sensitive": {"abcdef", "ABCDEF", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			event := Event{Request: Request{
				PrivateChallengeParameters: map[string]string{"code": tc.expected},
				ChallengeAnswer:            tc.provided,
			}}
			require.NoError(t, h.Verify(context.Background(), &event))
			require.NotNil(t, event.Response.AnswerCorrect)
			assert.Equal(t, tc.want, *event.Response.AnswerCorrect)
		})
	}
}

func TestRunRoundTripsEventJSON(t *testing.T) {
	h := New(Config{}, &recordingSender{}, zaptest.NewLogger(t))

	in := strings.NewReader(`{"version":"1","triggerSource":"VerifyAuthChallengeResponse_Authentication","userName":"ada",
		"request":{"privateChallengeParameters":{"code":"111111"},"challengeAnswer":"111111"},"response":{}}`)
	var out bytes.Buffer
	require.NoError(t, h.Run(context.Background(), StepVerify, in, &out))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "ada", decoded["userName"])
	assert.Equal(t, "VerifyAuthChallengeResponse_Authentication", decoded["triggerSource"])
	assert.Equal(t, map[string]any{"answerCorrect": true}, decoded["response"])

	assert.Error(t, h.Run(context.Background(), "unknown", strings.NewReader(`{}`), &out))
	assert.Error(t, h.Run(context.Background(), StepDefine, strings.NewReader(`{`), &out))
}
