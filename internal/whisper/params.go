package whisper

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownOption = errors.New("unknown decode option")
	ErrInvalidOption = errors.New("invalid decode option")
)

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"

	LanguageAuto = "auto"
)

// DecodeParams enumerates every decoder setting a caller may change.
type DecodeParams struct {
	// Language is an ISO 639-1 hint; "auto" lets the engine detect it.
	Language string
	Task     string
	// Temperatures is the fallback schedule. The first entry is used for the
	// initial decode, later entries only when that decode fails the engine's
	// own quality checks.
	Temperatures []float64
	BeamSize     int
	BestOf       int
	// ConditionOnPreviousText feeds earlier output back as decoder context.
	// Off by default because it makes repetition loops on noise much likelier.
	ConditionOnPreviousText bool
	WordTimestamps          bool
	Prompt                  string
}

func DefaultDecodeParams() DecodeParams {
	return DecodeParams{
		Language:     LanguageAuto,
		Task:         TaskTranscribe,
		Temperatures: []float64{0},
		BeamSize:     5,
		BestOf:       5,
	}
}

// OptionKeys lists the keys accepted by ParseOptions.
func OptionKeys() []string {
	keys := make([]string, 0, len(optionSetters))
	for k := range optionSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type optionSetter func(p *DecodeParams, value string) error

var optionSetters = map[string]optionSetter{
	"language": func(p *DecodeParams, v string) error {
		p.Language = strings.ToLower(v)
		return nil
	},
	"task": func(p *DecodeParams, v string) error {
		p.Task = strings.ToLower(v)
		return nil
	},
	"temperature": func(p *DecodeParams, v string) error {
		temps, err := ParseTemperatures(v)
		if err != nil {
			return err
		}
		p.Temperatures = temps
		return nil
	},
	"beam_size": func(p *DecodeParams, v string) error {
		return parseInt(v, &p.BeamSize)
	},
	"best_of": func(p *DecodeParams, v string) error {
		return parseInt(v, &p.BestOf)
	},
	"condition_on_previous_text": func(p *DecodeParams, v string) error {
		return parseBool(v, &p.ConditionOnPreviousText)
	},
	"word_timestamps": func(p *DecodeParams, v string) error {
		return parseBool(v, &p.WordTimestamps)
	},
	"prompt": func(p *DecodeParams, v string) error {
		p.Prompt = v
		return nil
	},
}

// ParseOptions applies string options on top of base and validates the
// outcome. Unknown keys are rejected rather than ignored.
func ParseOptions(options map[string]string, base DecodeParams) (DecodeParams, error) {
	params := base
	params.Temperatures = append([]float64(nil), base.Temperatures...)

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		setter, ok := optionSetters[key]
		if !ok {
			return DecodeParams{}, fmt.Errorf("%w: %q (accepted: %s)", ErrUnknownOption, key, strings.Join(OptionKeys(), ", "))
		}
		value := strings.TrimSpace(options[key])
		if value == "" {
			continue
		}
		if err := setter(&params, value); err != nil {
			return DecodeParams{}, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
	}

	if err := params.Validate(); err != nil {
		return DecodeParams{}, err
	}
	return params, nil
}

func (p DecodeParams) Validate() error {
	if p.Task != TaskTranscribe && p.Task != TaskTranslate {
		return fmt.Errorf("%w: task must be %q or %q, got %q", ErrInvalidOption, TaskTranscribe, TaskTranslate, p.Task)
	}
	if lang := p.Language; lang != "" && lang != LanguageAuto && !validLanguageCode(lang) {
		return fmt.Errorf("%w: language %q is not a language code", ErrInvalidOption, lang)
	}
	if len(p.Temperatures) == 0 {
		return fmt.Errorf("%w: temperature schedule must not be empty", ErrInvalidOption)
	}
	for i, t := range p.Temperatures {
		if t < 0 || t > 1 {
			return fmt.Errorf("%w: temperature %v outside [0, 1]", ErrInvalidOption, t)
		}
		if i > 0 && t <= p.Temperatures[i-1] {
			return fmt.Errorf("%w: temperature schedule must be increasing", ErrInvalidOption)
		}
	}
	if p.BeamSize < 1 || p.BeamSize > 16 {
		return fmt.Errorf("%w: beam_size must be within [1, 16], got %d", ErrInvalidOption, p.BeamSize)
	}
	if p.BestOf < 1 || p.BestOf > 16 {
		return fmt.Errorf("%w: best_of must be within [1, 16], got %d", ErrInvalidOption, p.BestOf)
	}
	return nil
}

// AutoLanguage reports whether the engine should detect the language.
func (p DecodeParams) AutoLanguage() bool {
	return p.Language == "" || p.Language == LanguageAuto
}

// ResultTask maps the decode task onto the task label of a result.
func (p DecodeParams) ResultTask() string {
	if p.Task == TaskTranslate {
		return "translation"
	}
	return "transcription"
}

// ParseTemperatures reads a single value or a comma separated schedule.
func ParseTemperatures(value string) ([]float64, error) {
	fields := strings.Split(value, ",")
	temps := make([]float64, 0, len(fields))
	for _, field := range fields {
		t, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("parse temperature %q: %w", field, err)
		}
		temps = append(temps, t)
	}
	return temps, nil
}

func parseInt(value string, dst *int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseBool(value string, dst *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func validLanguageCode(lang string) bool {
	if len(lang) < 2 || len(lang) > 3 {
		return false
	}
	for _, r := range lang {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
