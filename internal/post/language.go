package post

import (
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// minDetectRunes is the shortest text worth running detection on.
const minDetectRunes = 12

// DetectLanguages returns the BCP-47 language tags of text. Undetermined or
// unreliable detections yield fallback.
func DetectLanguages(text, fallback string) []string {
	fb := canonical(fallback)
	if fb == "" {
		fb = "en"
	}
	if utf8.RuneCountInString(text) < minDetectRunes {
		return []string{fb}
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return []string{fb}
	}
	code := canonical(info.Lang.Iso6391())
	if code == "" {
		code = canonical(info.Lang.Iso6393())
	}
	if code == "" {
		return []string{fb}
	}
	return []string{code}
}

func canonical(tag string) string {
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil || t == language.Und {
		return ""
	}
	return t.String()
}
