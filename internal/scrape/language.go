package scrape

import (
	"sync"

	"github.com/pemistahl/lingua-go"
)

// detectSample bounds the text handed to the detector.
const detectSample = 2000

var detectorLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Italian,
	lingua.Portuguese,
	lingua.Dutch,
	lingua.Polish,
	lingua.Russian,
	lingua.Ukrainian,
	lingua.Swedish,
	lingua.Turkish,
	lingua.Arabic,
	lingua.Chinese,
	lingua.Japanese,
	lingua.Korean,
}

var detector = sync.OnceValue(func() lingua.LanguageDetector {
	return lingua.NewLanguageDetectorBuilder().
		FromLanguages(detectorLanguages...).
		WithLowAccuracyMode().
		Build()
})

// DetectLanguage names the language of text, or "" when undetermined.
func DetectLanguage(text string) string {
	if r := []rune(text); len(r) > detectSample {
		text = string(r[:detectSample])
	}
	if text == "" {
		return ""
	}
	lang, ok := detector().DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return lang.String()
}
