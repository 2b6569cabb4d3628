package copilotauth

// GitHubClientID is the OAuth app client id used for the Copilot device flow.
// This is GitHub's own published client id for VS Code's Copilot Chat
// extension; it is not a secret.
const GitHubClientID = "01ab8ac9400c4e429b23"

// GitHubAppScopes is the OAuth scope list requested during the device flow.
const GitHubAppScopes = "read:user"

const (
	githubBaseURL    = "https://github.com"
	githubAPIBaseURL = "https://api.github.com"

	deviceCodePath  = "/login/device/code"
	accessTokenPath = "/login/oauth/access_token"
	copilotTokenPath = "/copilot_internal/v2/token"
	userInfoPath     = "/user"
)

// CopilotAPIBase is the upstream host the gateway's Copilot executor issues
// chat-completions calls against, once a bearer has been obtained from
// copilotTokenPath.
const CopilotAPIBase = "https://api.individual.githubcopilot.com"

// EditorVersion is the fixed editor identity Copilot's backend validates
// against. Changing this to an empty or malformed string will make the
// upstream reject every request; DESIGN.md records the fixed value among its
// Open Question resolutions.
const EditorVersion = "vscode/1.85.0"

// IntegrationID is the fixed Copilot-Integration-Id header value.
const IntegrationID = "vscode-chat"

func standardHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
}

func githubHeaders(githubToken string) map[string]string {
	return map[string]string{
		"Authorization":         "token " + githubToken,
		"Accept":                "application/json",
		"Editor-Version":        EditorVersion,
		"Copilot-Integration-Id": IntegrationID,
		"User-Agent":            "GithubCopilot/1.155.0",
	}
}
