// Package config holds the agent settings sent to the voice backend and the
// helpers that load them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Provider string

const (
	ProviderGroq     Provider = "groq"
	ProviderCerebras Provider = "cerebras"
	ProviderSarvam   Provider = "sarvam"
	ProviderGemini   Provider = "gemini"
)

// Languages supported by the backend and their greeting assets.
const (
	LanguageGujarati = "gu-IN"
	LanguageHindi    = "hi-IN"
	LanguageEnglish  = "en-IN"
)

const (
	DefaultLanguage        = LanguageGujarati
	DefaultSpeaker         = "shubh"
	DefaultGreeting        = "Hello! How can I help you today?"
	DefaultCustomServerURL = "wss://voice-ind.onrender.com/"
	DefaultContextMaxTurns = 1200
	DefaultContextMaxChars = 120000
)

// Session defaults. These are product choices rather than protocol rules.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = 2 * time.Second
	DefaultCaptureSampleRate    = 16000
	DefaultPlaybackSampleRate   = 24000
)

type ModelSettings struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"maxTokens" json:"maxTokens"`
}

// Settings mirrors the agent settings panel of the web demo.
type Settings struct {
	LanguageCode string        `yaml:"languageCode"`
	Speaker      string        `yaml:"speaker"`
	Provider     Provider      `yaml:"provider"`
	Groq         ModelSettings `yaml:"groq"`
	Cerebras     ModelSettings `yaml:"cerebras"`
	Sarvam       ModelSettings `yaml:"sarvam"`
	Gemini       ModelSettings `yaml:"gemini"`

	PromptID      string `yaml:"promptId,omitempty"`
	PromptContent string `yaml:"promptContent,omitempty"`
	Greeting      string `yaml:"greeting"`

	ContextMaxTurns int `yaml:"contextMaxTurns"`
	ContextMaxChars int `yaml:"contextMaxChars"`

	ShowDebugLogs     bool   `yaml:"showDebugLogs"`
	UseDeployedServer bool   `yaml:"useDeployedServer"`
	CustomServerURL   string `yaml:"customServerUrl"`
}

func Defaults() Settings {
	return Settings{
		LanguageCode: DefaultLanguage,
		Speaker:      DefaultSpeaker,
		Provider:     ProviderGroq,
		Groq: ModelSettings{
			Model:       "openai/gpt-oss-120b",
			Temperature: 1,
			MaxTokens:   2000,
		},
		Cerebras: ModelSettings{
			Model:       "gpt-oss-120b",
			Temperature: 0.2,
			MaxTokens:   2000,
		},
		Sarvam: ModelSettings{
			Model:       "sarvam-m:low",
			Temperature: 0.2,
			MaxTokens:   2000,
		},
		Gemini: ModelSettings{
			Model:       "gemini-flash-lite-latest",
			Temperature: 1,
			MaxTokens:   8000,
		},
		Greeting:        DefaultGreeting,
		ContextMaxTurns: DefaultContextMaxTurns,
		ContextMaxChars: DefaultContextMaxChars,
		CustomServerURL: DefaultCustomServerURL,
	}
}

func (s Settings) Validate() error {
	var errs []error
	switch s.Provider {
	case ProviderGroq, ProviderCerebras, ProviderSarvam, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", s.Provider))
	}
	if strings.TrimSpace(s.LanguageCode) == "" {
		errs = append(errs, errors.New("missing languageCode"))
	}
	if strings.TrimSpace(s.Speaker) == "" {
		errs = append(errs, errors.New("missing speaker"))
	}
	for name, m := range map[string]ModelSettings{
		"groq": s.Groq, "cerebras": s.Cerebras, "sarvam": s.Sarvam, "gemini": s.Gemini,
	} {
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("missing %s.model", name))
		}
		if m.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("%s.maxTokens must be positive", name))
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature out of range", name))
		}
	}
	if s.ContextMaxTurns <= 0 || s.ContextMaxChars <= 0 {
		errs = append(errs, errors.New("context limits must be positive"))
	}
	return errors.Join(errs...)
}

// ActiveModel returns the model settings of the selected provider.
func (s Settings) ActiveModel() ModelSettings {
	switch s.Provider {
	case ProviderCerebras:
		return s.Cerebras
	case ProviderSarvam:
		return s.Sarvam
	case ProviderGemini:
		return s.Gemini
	default:
		return s.Groq
	}
}

// TTSLanguage maps a recognition language to the synthesis locale. Unknown
// codes fall back to Gujarati.
func TTSLanguage(languageCode string) string {
	switch strings.ToLower(strings.TrimSpace(languageCode)) {
	case "gu", "gu-in":
		return LanguageGujarati
	case "en", "en-in":
		return LanguageEnglish
	case "hi", "hi-in":
		return LanguageHindi
	default:
		return LanguageGujarati
	}
}

func LanguageName(languageCode string) string {
	switch languageCode {
	case LanguageHindi:
		return "Hindi"
	case LanguageGujarati:
		return "Gujarati"
	default:
		return "English"
	}
}

// NextLanguage cycles gu-IN → hi-IN → en-IN → gu-IN.
func NextLanguage(languageCode string) string {
	switch languageCode {
	case LanguageGujarati:
		return LanguageHindi
	case LanguageHindi:
		return LanguageEnglish
	default:
		return LanguageGujarati
	}
}
