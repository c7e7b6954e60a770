package challenge

// Names used by the identity provider's custom authentication flow.
const (
	CustomChallenge = "CUSTOM_CHALLENGE"
	EmailChallenge  = "EMAIL_CHALLENGE"
)

// Event is the payload the identity provider passes to each hook. Hooks
// mutate Response and hand the event back.
type Event struct {
	Version       string         `json:"version,omitempty"`
	TriggerSource string         `json:"triggerSource,omitempty"`
	Region        string         `json:"region,omitempty"`
	UserPoolID    string         `json:"userPoolId,omitempty"`
	UserName      string         `json:"userName,omitempty"`
	CallerContext map[string]any `json:"callerContext,omitempty"`
	Request       Request        `json:"request"`
	Response      Response       `json:"response"`
}

// Request is the read side of the event.
type Request struct {
	UserAttributes             map[string]string `json:"userAttributes,omitempty"`
	Session                    []SessionEntry    `json:"session,omitempty"`
	ChallengeName              string            `json:"challengeName,omitempty"`
	PrivateChallengeParameters map[string]string `json:"privateChallengeParameters,omitempty"`
	ChallengeAnswer            string            `json:"challengeAnswer,omitempty"`
	ClientMetadata             map[string]string `json:"clientMetadata,omitempty"`
	UserNotFound               bool              `json:"userNotFound,omitempty"`
}

// SessionEntry records one earlier round of the login attempt.
type SessionEntry struct {
	ChallengeName     string `json:"challengeName"`
	ChallengeResult   bool   `json:"challengeResult"`
	ChallengeMetadata string `json:"challengeMetadata,omitempty"`
}

// Response is the write side of the event. Pointers distinguish an unset
// decision from false.
type Response struct {
	ChallengeName              string            `json:"challengeName,omitempty"`
	IssueTokens                *bool             `json:"issueTokens,omitempty"`
	FailAuthentication         *bool             `json:"failAuthentication,omitempty"`
	PublicChallengeParameters  map[string]string `json:"publicChallengeParameters,omitempty"`
	PrivateChallengeParameters map[string]string `json:"privateChallengeParameters,omitempty"`
	ChallengeMetadata          string            `json:"challengeMetadata,omitempty"`
	AnswerCorrect              *bool             `json:"answerCorrect,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
