// Package langs validates language pairs and detects the source language when asked to.
package langs

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Auto asks Resolve to detect the source language from the document.
const Auto = "auto"

// sampleBytes bounds how much of the document is used for detection.
const sampleBytes = 4096

var (
	ErrInvalidCode  = errors.New("invalid language code")
	ErrUndetectable = errors.New("source language could not be detected")
)

// Resolve validates both codes, detects the source code when it is Auto, and fills
// empty language names with their English display names.
func Resolve(cfg models.LangConfig, sample []byte) (models.LangConfig, error) {
	if strings.EqualFold(cfg.SourceCode, Auto) {
		code, _, err := Detect(sample)
		if err != nil {
			return cfg, err
		}
		cfg.SourceCode = code
		if strings.EqualFold(cfg.SourceLang, Auto) {
			cfg.SourceLang = ""
		}
	}

	src, err := parse(cfg.SourceCode)
	if err != nil {
		return cfg, fmt.Errorf("source: %w", err)
	}
	dst, err := parse(cfg.TargetCode)
	if err != nil {
		return cfg, fmt.Errorf("target: %w", err)
	}

	if cfg.SourceLang == "" {
		cfg.SourceLang = Name(src)
	}
	if cfg.TargetLang == "" {
		cfg.TargetLang = Name(dst)
	}
	return cfg, nil
}

// Detect guesses the ISO 639-1 code and English name of the language sample is written in.
func Detect(sample []byte) (code, name string, err error) {
	if len(sample) > sampleBytes {
		sample = sample[:sampleBytes]
		// Drop a trailing partial rune left by the cut.
		for len(sample) > 0 && !utf8.Valid(sample) {
			sample = sample[:len(sample)-1]
		}
	}

	info := whatlanggo.Detect(string(sample))
	code = info.Lang.Iso6391()
	if code == "" {
		return "", "", ErrUndetectable
	}
	return code, info.Lang.String(), nil
}

// Name returns the English display name of tag.
func Name(tag language.Tag) string {
	if n := display.English.Languages().Name(tag); n != "" {
		return n
	}
	return tag.String()
}

func parse(code string) (language.Tag, error) {
	if strings.TrimSpace(code) == "" {
		return language.Und, fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return language.Und, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return tag, nil
}
