package stt

import (
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Undetermined is the code used when no language could be identified.
const Undetermined = "und"

// langAliases maps legacy and variant codes to the canonical short code.
var langAliases = map[string]string{
	"iw":  "he",
	"ji":  "yi",
	"jw":  "jv",
	"in":  "id",
	"fil": "tl",
	"no":  "nb",
}

// NormalizeLang reduces a language code to its canonical primary subtag:
// "zh-CN" becomes "zh", "iw" becomes "he" and the empty code becomes "und".
func NormalizeLang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return Undetermined
	}
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	if alias, ok := langAliases[code]; ok {
		return alias
	}
	return code
}

// DetectLanguage guesses the language of text and returns its normalised
// code, or [Undetermined] for empty or unrecognisable input.
func DetectLanguage(text string) string {
	code, _ := DetectLanguageConfidence(text)
	return code
}

// DetectLanguageConfidence is [DetectLanguage] that also reports the
// detector's confidence in [0, 1]. Undetermined input has confidence 0.
func DetectLanguageConfidence(text string) (string, float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Undetermined, 0
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		return Undetermined, 0
	}
	return NormalizeLang(code), info.Confidence
}

// LanguageNames returns the English name and the native name of the language
// with the given code. Unknown codes yield the upper-cased code twice.
func LanguageNames(code string) (english, native string) {
	tag, err := language.Parse(code)
	if err != nil || code == Undetermined {
		up := strings.ToUpper(code)
		return up, up
	}
	english = display.English.Languages().Name(tag)
	native = display.Self.Name(tag)
	if english == "" {
		english = strings.ToUpper(code)
	}
	if native == "" {
		native = english
	}
	return english, native
}

// LangLine formats the summary line shown to the user.
func LangLine(code string) string {
	english, native := LanguageNames(code)
	return "Detected language: " + english + " (" + native + ") — " + code
}
