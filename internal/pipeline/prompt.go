package pipeline

import (
	"strings"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

const promptTemplate = `
You are a professional {SOURCE_LANG} ({SOURCE_CODE}) to {TARGET_LANG} ({TARGET_CODE}) translator. Your goal is to accurately convey the meaning and nuances of the original {SOURCE_LANG} text while adhering to {TARGET_LANG} grammar, vocabulary, and cultural sensitivities.
Produce only the {TARGET_LANG} translation, without any additional explanations or commentary. Please translate the following {SOURCE_LANG} text into {TARGET_LANG}:


{TEXT}
`

// BuildPrompt fills the translation template. The text is substituted last, in one pass,
// so placeholders appearing inside the document are left alone.
func BuildPrompt(lang models.LangConfig, text string) string {
	return strings.NewReplacer(
		"{SOURCE_LANG}", lang.SourceLang,
		"{SOURCE_CODE}", lang.SourceCode,
		"{TARGET_LANG}", lang.TargetLang,
		"{TARGET_CODE}", lang.TargetCode,
		"{TEXT}", text,
	).Replace(promptTemplate)
}
