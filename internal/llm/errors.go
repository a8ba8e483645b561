package llm

import "strings"

// authIndicators are lowercase substrings that mark provider auth
// failures, covering HTTP status text and the common API error codes.
var authIndicators = []string{
	"401",
	"403",
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"unauthorized",
	"authentication",
	"no api key found",
}

// IsAuthError checks if an error indicates authentication failure.
// Works across providers (Anthropic, OpenAI, Ollama behind a proxy, etc).
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range authIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}
