package core

import "strings"

// Known provider names seeded as reference data. Providers are consumed, not
// owned, by this service: a monolog referencing an unknown provider is a
// validation failure, never an auto-create.
const (
	ProviderAnthropic      = "Anthropic"
	ProviderOpenAI         = "OpenAI"
	ProviderGoogle         = "Google"
	ProviderGitHubCopilot  = "GitHubCopilot"
	ProviderAzureOpenAI    = "AzureOpenAI"
	ProviderXAI            = "xAI"
	ProviderHumanInput     = "HumanInput"
	ProviderVoiceAssistant = "VoiceAssistant"
)

// KnownProviders lists the seeded providers in their stable id order
// (id = index + 1).
var KnownProviders = []string{
	ProviderAnthropic,
	ProviderOpenAI,
	ProviderGoogle,
	ProviderGitHubCopilot,
	ProviderAzureOpenAI,
	ProviderXAI,
	ProviderHumanInput,
	ProviderVoiceAssistant,
}

// NormalizeProvider maps runtime provider identifiers onto seeded provider
// names, e.g. "github-copilot" -> "GitHubCopilot". Unrecognized names are
// returned unchanged and will fail provider resolution downstream.
func NormalizeProvider(name string) string {
	switch strings.ToLower(name) {
	case "anthropic":
		return ProviderAnthropic
	case "openai":
		return ProviderOpenAI
	case "google":
		return ProviderGoogle
	case "github-copilot":
		return ProviderGitHubCopilot
	case "azure-openai":
		return ProviderAzureOpenAI
	case "xai":
		return ProviderXAI
	case "humaninput":
		return ProviderHumanInput
	case "voiceassistant":
		return ProviderVoiceAssistant
	default:
		return name
	}
}

// HumanParticipantPrefix marks participant identifiers that belong to humans.
const HumanParticipantPrefix = "user-"

// ParticipantTypeFor derives the participant type from an identifier.
func ParticipantTypeFor(identifier string) ParticipantType {
	if strings.HasPrefix(strings.ToLower(identifier), HumanParticipantPrefix) {
		return ParticipantHuman
	}
	return ParticipantAIModel
}
