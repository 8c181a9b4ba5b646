package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Params is the parameter payload of one task type. Each task type has
// exactly one Params implementation.
type Params interface {
	TaskType() TaskType
}

// ImageGenParams requests a still image from a text prompt.
type ImageGenParams struct {
	Prompt          string   `json:"prompt"                      validate:"required,max=4000"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"   validate:"max=2000"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"      validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	ReferenceR2Keys []string `json:"reference_r2_keys,omitempty" validate:"max=4,dive,required"`
	Model           string   `json:"model,omitempty"`
}

// VideoGenParams animates a stored still image.
type VideoGenParams struct {
	ImageR2Key      string `json:"image_r2_key"               validate:"required"`
	Prompt          string `json:"prompt"                     validate:"required,max=4000"`
	DurationSeconds int    `json:"duration_seconds,omitempty" validate:"omitempty,min=1,max=20"`
	Model           string `json:"model,omitempty"`
}

// AudioGenParams synthesizes speech from text.
type AudioGenParams struct {
	Text    string `json:"text"               validate:"required,max=5000"`
	VoiceID string `json:"voice_id,omitempty"`
	Format  string `json:"format,omitempty"   validate:"omitempty,oneof=mp3 wav"`
}

// ImageDescParams asks for a description of an image, addressed either by
// blob key or by URL.
type ImageDescParams struct {
	ImageR2Key string `json:"image_r2_key,omitempty" validate:"required_without=ImageURL"`
	ImageURL   string `json:"image_url,omitempty"    validate:"omitempty,url"`
	Prompt     string `json:"prompt,omitempty"       validate:"max=4000"`
}

// VideoDescParams asks for a description of a video clip.
type VideoDescParams struct {
	VideoR2Key string `json:"video_r2_key,omitempty" validate:"required_without=VideoURL"`
	VideoURL   string `json:"video_url,omitempty"    validate:"omitempty,url"`
	Prompt     string `json:"prompt,omitempty"       validate:"max=4000"`
}

// RenderClip is one segment of a rendered video.
type RenderClip struct {
	R2Key      string `json:"r2_key"            validate:"required"`
	StartMs    int    `json:"start_ms,omitempty" validate:"min=0"`
	DurationMs int    `json:"duration_ms"       validate:"required,min=1"`
}

// VideoRenderParams stitches clips into a final video.
type VideoRenderParams struct {
	Clips      []RenderClip `json:"clips"                validate:"required,min=1,max=200,dive"`
	AudioR2Key string       `json:"audio_r2_key,omitempty"`
	Format     string       `json:"format,omitempty"     validate:"omitempty,oneof=mp4 webm"`
	Resolution string       `json:"resolution,omitempty" validate:"omitempty,oneof=720p 1080p"`
}

func (ImageGenParams) TaskType() TaskType    { return TaskTypeImageGen }
func (VideoGenParams) TaskType() TaskType    { return TaskTypeVideoGen }
func (AudioGenParams) TaskType() TaskType    { return TaskTypeAudioGen }
func (ImageDescParams) TaskType() TaskType   { return TaskTypeImageDesc }
func (VideoDescParams) TaskType() TaskType   { return TaskTypeVideoDesc }
func (VideoRenderParams) TaskType() TaskType { return TaskTypeVideoRender }

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeParams decodes and validates the raw parameters of a task of the
// given type, returning a pointer to the matching params struct (for example
// *VideoGenParams). Unknown fields are rejected. Every failure is a
// *ValidationError.
func DecodeParams(taskType TaskType, raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewValidationError("params", "is required")
	}

	var params Params
	var err error
	switch taskType {
	case TaskTypeImageGen:
		params, err = decodeStrict[ImageGenParams](trimmed)
	case TaskTypeVideoGen:
		params, err = decodeStrict[VideoGenParams](trimmed)
	case TaskTypeAudioGen:
		params, err = decodeStrict[AudioGenParams](trimmed)
	case TaskTypeImageDesc:
		params, err = decodeStrict[ImageDescParams](trimmed)
	case TaskTypeVideoDesc:
		params, err = decodeStrict[VideoDescParams](trimmed)
	case TaskTypeVideoRender:
		params, err = decodeStrict[VideoRenderParams](trimmed)
	default:
		return nil, NewValidationError("task_type", fmt.Sprintf("%q is not supported", taskType))
	}
	if err != nil {
		return nil, err
	}

	if err := paramsValidator.Struct(params); err != nil {
		return nil, toValidationError(err)
	}
	return params, nil
}

func decodeStrict[T any](raw []byte) (*T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, NewValidationError("params", "must be a JSON object of the task type's shape: "+err.Error())
	}
	if dec.More() {
		return nil, NewValidationError("params", "must contain a single JSON object")
	}
	return &v, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("params", err.Error())
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:  fieldPath(fe.Namespace()),
			Reason: describeTag(fe),
		})
	}
	return out
}

// fieldPath drops the struct name prefix, leaving the json path.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return "params." + namespace[i+1:]
	}
	return "params." + namespace
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required unless an alternative source is given"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
