package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Samplers supported by the engine. The submission validator rejects values
// outside this set before anything is enqueued.
var Samplers = []string{
	"euler",
	"euler_ancestral",
	"heun",
	"dpm_2",
	"dpm_2_ancestral",
	"lms",
	"dpmpp_2m",
	"dpmpp_sde",
	"ddim",
	"uni_pc",
}

// SubmissionParams are the immutable parameters of one generation request
type SubmissionParams struct {
	Prompt         string  `json:"prompt" validate:"required,min=1,max=5000"`
	NegativePrompt string  `json:"negative_prompt,omitempty" validate:"max=2000"`
	Width          int     `json:"width" validate:"min=64,max=2048,multiple8"`
	Height         int     `json:"height" validate:"min=64,max=2048,multiple8"`
	Steps          int     `json:"steps" validate:"min=1,max=150"`
	CFGScale       float64 `json:"cfg_scale" validate:"min=1,max=30"`
	Sampler        string  `json:"sampler" validate:"sampler"`
	Seed           int64   `json:"seed" validate:"min=-1"`
	Model          string  `json:"model,omitempty"`
	BatchSize      int     `json:"batch_size" validate:"min=1,max=4"`
}

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults. Seed zero is a legitimate value, so "choose randomly" is only
// the explicit -1 sentinel; decoding maps an omitted seed to -1.
func (p *SubmissionParams) ApplyDefaults(defaultModel string) {
	if p.Width == 0 {
		p.Width = 512
	}
	if p.Height == 0 {
		p.Height = 512
	}
	if p.Steps == 0 {
		p.Steps = 20
	}
	if p.CFGScale == 0 {
		p.CFGScale = 7.0
	}
	if p.Sampler == "" {
		p.Sampler = "euler_ancestral"
	}
	if p.Model == "" {
		p.Model = defaultModel
	}
	if p.BatchSize == 0 {
		p.BatchSize = 1
	}
}

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()

	// width/height must be a multiple of 8 (engine latent-space constraint)
	_ = v.RegisterValidation("multiple8", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%8 == 0
	})

	_ = v.RegisterValidation("sampler", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		for _, s := range Samplers {
			if s == value {
				return true
			}
		}
		return false
	})

	return v
}

// Validate checks the params against their documented constraints and
// returns a ValidationError describing the first offending field.
func (p *SubmissionParams) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			return &APIError{
				Kind:    ErrValidation,
				Message: fmt.Sprintf("invalid value for %s: failed %s constraint", jsonFieldName(fe.Field()), fe.Tag()),
			}
		}
		return &APIError{Kind: ErrValidation, Message: err.Error()}
	}
	return nil
}

// jsonFieldName maps a struct field name to its wire name
func jsonFieldName(field string) string {
	switch field {
	case "Prompt":
		return "prompt"
	case "NegativePrompt":
		return "negative_prompt"
	case "Width":
		return "width"
	case "Height":
		return "height"
	case "Steps":
		return "steps"
	case "CFGScale":
		return "cfg_scale"
	case "Sampler":
		return "sampler"
	case "Seed":
		return "seed"
	case "Model":
		return "model"
	case "BatchSize":
		return "batch_size"
	}
	return field
}
