package kinds

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
)

// MaxInputBytes bounds a submission payload.
const MaxInputBytes = 64 << 10

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// TrainingSample is one piece of the creator's existing content.
type TrainingSample struct {
	Title      string `json:"title" validate:"required,max=200"`
	Transcript string `json:"transcript" validate:"required,min=20,max=20000"`
}

type TrainingInput struct {
	Niche   string           `json:"niche" validate:"required,min=2,max=80"`
	Samples []TrainingSample `json:"samples" validate:"required,min=1,max=10,dive"`
	Locale  string           `json:"locale,omitempty" validate:"omitempty,max=35"`
}

type ScriptingInput struct {
	Topic           string `json:"topic" validate:"required,min=3,max=200"`
	DurationSeconds int    `json:"duration_seconds,omitempty" validate:"omitempty,min=15,max=1800"`
	Tone            string `json:"tone,omitempty" validate:"omitempty,oneof=casual energetic educational dramatic"`
	SourceJobID     string `json:"source_job_id,omitempty" validate:"omitempty,uuid"`
	Locale          string `json:"locale,omitempty" validate:"omitempty,max=35"`
}

type IdeationInput struct {
	Niche  string `json:"niche" validate:"required,min=2,max=80"`
	Count  int    `json:"count,omitempty" validate:"omitempty,min=1,max=10"`
	Locale string `json:"locale,omitempty" validate:"omitempty,max=35"`
}

type ThumbnailingInput struct {
	Title       string `json:"title" validate:"required,min=3,max=120"`
	Style       string `json:"style,omitempty" validate:"omitempty,max=200"`
	AspectRatio string `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 4:3 1:1"`
	Variants    int    `json:"variants,omitempty" validate:"omitempty,min=1,max=6"`
	SourceJobID string `json:"source_job_id,omitempty" validate:"omitempty,uuid"`
	Locale      string `json:"locale,omitempty" validate:"omitempty,max=35"`
}

type StoryBuildingInput struct {
	Premise     string `json:"premise" validate:"required,min=10,max=2000"`
	Acts        int    `json:"acts,omitempty" validate:"omitempty,min=1,max=5"`
	SourceJobID string `json:"source_job_id,omitempty" validate:"omitempty,uuid"`
	Locale      string `json:"locale,omitempty" validate:"omitempty,max=35"`
}

// localized is implemented by inputs that carry a locale.
type localized interface {
	setDefaultLocale(locale string)
}

func (in *TrainingInput) setDefaultLocale(l string)      { in.Locale = defaultString(in.Locale, l) }
func (in *ScriptingInput) setDefaultLocale(l string)     { in.Locale = defaultString(in.Locale, l) }
func (in *IdeationInput) setDefaultLocale(l string)      { in.Locale = defaultString(in.Locale, l) }
func (in *ThumbnailingInput) setDefaultLocale(l string)  { in.Locale = defaultString(in.Locale, l) }
func (in *StoryBuildingInput) setDefaultLocale(l string) { in.Locale = defaultString(in.Locale, l) }

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// prepare builds a Definition.Prepare for input type T. source extracts the
// referenced job id, if the kind supports one.
func prepare[T any, PT interface {
	*T
	localized
}](source func(*T) string) func(raw json.RawMessage, locale string) (pipeline.Prepared, error) {
	return func(raw json.RawMessage, locale string) (pipeline.Prepared, error) {
		var in T
		if err := decodeStrict(raw, &in); err != nil {
			return pipeline.Prepared{}, err
		}
		PT(&in).setDefaultLocale(locale)
		if err := validatorInstance().Struct(&in); err != nil {
			return pipeline.Prepared{}, toValidationError(err)
		}
		normalized, err := json.Marshal(&in)
		if err != nil {
			return pipeline.Prepared{}, fmt.Errorf("encode input: %w", err)
		}
		out := pipeline.Prepared{Input: normalized}
		if source != nil {
			out.SourceJobID = source(&in)
		}
		return out, nil
	}
}

// decodeStrict rejects unknown fields, trailing data and oversized payloads.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.NewValidationError("input", "required")
	}
	if len(raw) > MaxInputBytes {
		return domain.NewValidationError("input", fmt.Sprintf("exceeds %d bytes", MaxInputBytes))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("input", decodeReason(err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.NewValidationError("input", "must be a single JSON object")
	}
	return nil
}

func decodeReason(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type.String())
	}
	return strings.TrimPrefix(err.Error(), "json: ")
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	out := &domain.ValidationError{}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		out.Fields = append(out.Fields, domain.FieldError{Field: field, Reason: reason})
	}
	return out
}
