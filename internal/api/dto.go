package api

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/TimurManjosov/gopersonalize/internal/resolver"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)
	_ = validate.RegisterValidation("clocktime", validateClockTime)
	_ = validate.RegisterValidation("isotime", validateISOTime)
	_ = validate.RegisterValidation("devicetag", validateDeviceTag)
	_ = validate.RegisterValidation("uriref", validateURIRef)
}

// jsonFieldName reports fields by their JSON name in validation errors.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func validateClockTime(fl validator.FieldLevel) bool {
	_, err := time.Parse(visitor.ClockLayout, fl.Field().String())
	return err == nil
}

func validateISOTime(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339Nano, fl.Field().String())
	return err == nil
}

var deviceTags = []string{
	visitor.DeviceMobile, visitor.DeviceTablet, visitor.DeviceDesktop,
	visitor.OSWindows, visitor.OSAndroid, visitor.OSiOS, "",
}

func validateDeviceTag(fl validator.FieldLevel) bool {
	return slices.Contains(deviceTags, fl.Field().String())
}

func validateURIRef(fl validator.FieldLevel) bool {
	_, err := url.Parse(fl.Field().String())
	return err == nil
}

// VisitorFields is the visitor context as sent by the runtime. Every
// field is required; pointers tell a missing field from a zero value.
type VisitorFields struct {
	CurrentTime        string   `json:"currentTime" validate:"required,clocktime"`
	CurrentTimestamp   string   `json:"currentTimestamp" validate:"required,isotime"`
	DaysSinceLastVisit *int     `json:"daysSinceLastVisit" validate:"required,min=0"`
	DeviceType         []string `json:"deviceType" validate:"required,dive,devicetag"`
	IsReturningVisitor *bool    `json:"isReturningVisitor" validate:"required"`
	Location           string   `json:"location" validate:"required,uriref"`
	ReferrerURL        string   `json:"referrerURL" validate:"omitempty,uriref"`
	TimeOfDay          string   `json:"timeOfDay" validate:"required,oneof=nighttime morning afternoon evening"`
	UID                string   `json:"uid"`
	URLQueryString     string   `json:"urlQueryString"`
}

// Context converts the validated request. Locations under adminPrefix are
// blanked so admin screens never feed rule evaluation.
func (v VisitorFields) Context(adminPrefix string) visitor.Context {
	c := visitor.Context{
		TimeOfDay:        visitor.TimeOfDay(v.TimeOfDay),
		CurrentTime:      v.CurrentTime,
		CurrentTimestamp: v.CurrentTimestamp,
		DeviceType:       v.DeviceType,
		Location:         v.Location,
		ReferrerURL:      v.ReferrerURL,
		UID:              strings.TrimSpace(v.UID),
		URLQueryString:   strings.TrimSpace(v.URLQueryString),
	}
	if v.DaysSinceLastVisit != nil {
		c.DaysSinceLastVisit = *v.DaysSinceLastVisit
	}
	if v.IsReturningVisitor != nil {
		c.IsReturningVisitor = *v.IsReturningVisitor
	}
	if adminPrefix != "" && isAdminLocation(v.Location, adminPrefix) {
		c.Location = ""
	}
	return c
}

func isAdminLocation(location, prefix string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, prefix)
}

// blocksRequest is the body of POST /v2/blocks.
type blocksRequest struct {
	Blocks []string `json:"blocks" validate:"required,min=1,dive,required"`
	VisitorFields
}

// legacyBlocksRequest is the body of POST /v1/blocks.
type legacyBlocksRequest struct {
	Blocks []legacyBlockRef `json:"blocks" validate:"required,min=1,dive"`
	VisitorFields
}

type legacyBlockRef struct {
	BlockID string `json:"block_id" validate:"required"`
	PostID  string `json:"post_id"`
}

func (l legacyBlocksRequest) refs() []resolver.LegacyRef {
	out := make([]resolver.LegacyRef, len(l.Blocks))
	for i, b := range l.Blocks {
		out[i] = resolver.LegacyRef{BlockID: b.BlockID, PostID: b.PostID}
	}
	return out
}

// validationFields validates v and maps every failure onto its JSON field
// path. It returns nil when v is valid.
func validationFields(v any) map[string]string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return fields
}

// fieldPath strips the root struct name from the namespace, so embedded
// visitor fields read "currentTime" and list items "blocks[0].block_id".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	return strings.TrimPrefix(ns, "VisitorFields.")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must not be empty"
		}
		return "must not be negative"
	case "clocktime":
		return "must be HH:MM:SS"
	case "isotime":
		return "must be an RFC 3339 date-time"
	case "devicetag":
		return fmt.Sprintf("must be one of %s or empty", strings.Join(deviceTags[:len(deviceTags)-1], ", "))
	case "uriref":
		return "must be a URI reference"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
