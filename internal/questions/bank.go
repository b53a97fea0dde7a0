package questions

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed bank.yaml
var defaultBank []byte

type bankFile struct {
	Levels map[string][]bankEntry `yaml:"levels"`
}

type bankEntry struct {
	English  string `yaml:"english"`
	Japanese string `yaml:"japanese"`
}

// LoadBank parses a YAML question bank:
//
//	levels:
//	  beginner:
//	    - english: How are you?
//	      japanese: お元気ですか？
func LoadBank(r io.Reader) ([]Question, error) {
	var file bankFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}
	var qs []Question
	for _, level := range Levels {
		for _, e := range file.Levels[string(level)] {
			qs = append(qs, Question{Level: level, English: e.English, Japanese: e.Japanese})
		}
	}
	for name := range file.Levels {
		if _, err := ParseLevel(name); err != nil {
			return nil, err
		}
	}
	return qs, nil
}

func LoadBankFile(path string) ([]Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open question bank: %w", err)
	}
	defer f.Close()
	return LoadBank(f)
}

// DefaultBank returns the built-in starter questions.
func DefaultBank() ([]Question, error) {
	return LoadBank(bytes.NewReader(defaultBank))
}
