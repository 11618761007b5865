package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"metagraph/api/internal/store"
)

// inputValidate checks create and update bodies.
var inputValidate *validator.Validate

func init() {
	inputValidate = validator.New()
	inputValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type OptionInput struct {
	UUID    string        `json:"uuid" validate:"omitempty,uuid"`
	Name    string        `json:"name" validate:"required"`
	Options []OptionInput `json:"options" validate:"dive"`
}

type FieldInput struct {
	UUID        string        `json:"uuid" validate:"omitempty,uuid"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Type        string        `json:"type" validate:"omitempty,oneof=File Image Select MultiSelect"`
	PublicDate  *time.Time    `json:"public_date"`
	Options     []OptionInput `json:"options" validate:"dive"`
}

// SubscribedInput names a persisted template version.
type SubscribedInput struct {
	ID string `json:"_id" validate:"required"`
}

type TemplateInput struct {
	UUID                string            `json:"uuid" validate:"omitempty,uuid"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	PublicDate          *time.Time        `json:"public_date"`
	Fields              []FieldInput      `json:"fields" validate:"dive"`
	RelatedTemplates    []TemplateInput   `json:"related_templates" validate:"dive"`
	SubscribedTemplates []SubscribedInput `json:"subscribed_templates" validate:"dive"`
}

type DatasetInput struct {
	UUID            string         `json:"uuid" validate:"omitempty,uuid"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	PublicDate      *time.Time     `json:"public_date"`
	TemplateID      string         `json:"template_id"`
	TemplateUUID    string         `json:"template_uuid" validate:"omitempty,uuid"`
	RelatedDatasets []DatasetInput `json:"related_datasets" validate:"dive"`
}

type FileInput struct {
	UUID string `json:"uuid" validate:"required"`
	Name string `json:"name"`
}

type OptionSelection struct {
	UUID string `json:"uuid" validate:"required"`
}

type RecordFieldInput struct {
	UUID   string            `json:"uuid" validate:"required"`
	Value  string            `json:"value"`
	File   *FileInput        `json:"file"`
	Images []FileInput       `json:"images" validate:"dive"`
	Values []OptionSelection `json:"values" validate:"dive"`
}

type RecordInput struct {
	UUID           string             `json:"uuid" validate:"omitempty,uuid"`
	DatasetUUID    string             `json:"dataset_uuid" validate:"required,uuid"`
	PublicDate     *time.Time         `json:"public_date"`
	Fields         []RecordFieldInput `json:"fields" validate:"dive"`
	RelatedRecords []RecordInput      `json:"related_records" validate:"dive"`
}

// decodeInput parses and validates the body of a create or update call for
// kind. The result is one of the *Input types above.
func decodeInput(kind store.Kind, body []byte) (any, error) {
	var in any
	switch kind {
	case store.KindTemplateField:
		in = &FieldInput{}
	case store.KindTemplate:
		in = &TemplateInput{}
	case store.KindDataset:
		in = &DatasetInput{}
	case store.KindRecord:
		in = &RecordInput{}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if err := json.Unmarshal(body, in); err != nil {
		return nil, inputError("%s provided is not a valid json object: %v", kind, err)
	}
	if err := inputValidate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	return in, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return inputError("%v", err)
	}
	fe := fieldErrs[0]
	if fe.Param() != "" {
		return inputError("%s failed on %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return inputError("%s failed on %s", fe.Namespace(), fe.Tag())
}
