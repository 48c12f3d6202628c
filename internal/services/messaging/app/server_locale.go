package server

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

var supportedLocales = []language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// matchLocale resolves a client-reported BCP 47 tag against the locales
// the gateway can speak. Unknown or empty input falls back to English.
func matchLocale(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.AmericanEnglish
	}
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return language.AmericanEnglish
	}
	_, index, _ := localeMatcher.Match(tags...)
	return supportedLocales[index]
}

func localizedSystemLabel(tag language.Tag) string {
	switch tag {
	case language.BrazilianPortuguese:
		return "sistema"
	default:
		return "system"
	}
}

func localizedJoinWelcomeBody(tag language.Tag, userID string, topic string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "participant"
	}
	topic = strings.TrimSpace(topic)

	switch tag {
	case language.BrazilianPortuguese:
		if topic == "" {
			return fmt.Sprintf("Bem-vindo %s. Você entrou na conversa.", userID)
		}
		return fmt.Sprintf("Bem-vindo %s. Você entrou na conversa %s.", userID, topic)
	default:
		if topic == "" {
			return fmt.Sprintf("Welcome %s. You've joined the conversation.", userID)
		}
		return fmt.Sprintf("Welcome %s. You've joined the conversation %s.", userID, topic)
	}
}
