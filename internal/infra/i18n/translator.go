package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed locales
var LocalesFS embed.FS

// DefaultLanguage is used when no language is configured.
const DefaultLanguage = "en"

// Translator holds the message catalog for one language.
type Translator struct {
	lang         string
	translations map[string]string
}

// NewTranslator loads locales/<langCode>.yaml from fsys.
func NewTranslator(fsys fs.FS, langCode string) (*Translator, error) {
	if langCode == "" {
		langCode = DefaultLanguage
	}
	filePath := path.Join("locales", langCode+".yaml")
	data, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("read translation file %s: %w", filePath, err)
	}
	t, err := newTranslatorFromBytes(data)
	if err != nil {
		return nil, err
	}
	t.lang = langCode
	return t, nil
}

// MustDefault returns the embedded catalog for DefaultLanguage.
func MustDefault() *Translator {
	t, err := NewTranslator(LocalesFS, DefaultLanguage)
	if err != nil {
		panic(err)
	}
	return t
}

func newTranslatorFromBytes(data []byte) (*Translator, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("parse translation file: %w", err)
	}
	return &Translator{translations: translations}, nil
}

func (t *Translator) Language() string { return t.lang }

// Lookup returns the formatted message for key and whether the key exists.
// An empty message is a valid entry meaning "say nothing".
func (t *Translator) Lookup(key string, args ...interface{}) (string, bool) {
	format, ok := t.translations[key]
	if !ok {
		return "", false
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...), true
	}
	return format, true
}

// T returns the message for key, or key itself when missing.
func (t *Translator) T(key string, args ...interface{}) string {
	if s, ok := t.Lookup(key, args...); ok {
		return s
	}
	return key
}
