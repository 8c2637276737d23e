package gateway

import (
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/example/shopcore/pkg/errs"
	"github.com/example/shopcore/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var registerOnce sync.Once

// registerValidators adds the shop rules to gin's validator and makes
// field errors report JSON names.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("cmphone", func(fl validator.FieldLevel) bool {
			return models.CameroonPhone.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
			return models.PaymentMethod(fl.Field().String()).Valid()
		})
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation, errs.CodeOutOfStock, errs.CodeProductNotFound,
		errs.CodeInvalidTransition, errs.CodeUnsupportedProvider, errs.CodeUnsupportedStatus:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeProvider, errs.CodeAllProvidersFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes the caller-facing part of err. Internal detail
// only goes to the log.
func (g *Gateway) respondError(c *gin.Context, err error) {
	var e *errs.Error
	if errors.As(err, &e) && e.Code != errs.CodeInternal {
		status := statusFor(e.Code)
		if status >= http.StatusInternalServerError {
			g.logger.Warn("Upstream failure", zap.String("path", c.FullPath()), zap.Error(err))
		}
		body := gin.H{"error": e.Message, "code": e.Code}
		if len(e.Fields) > 0 {
			body["fields"] = e.Fields
		}
		c.JSON(status, body)
		return
	}

	g.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": errs.CodeInternal})
}

// bindOptionalJSON binds a body the caller may leave out. A missing body,
// chunked or not, leaves obj at its zero value.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return bindingError(err)
	}
	return nil
}

// bindingError turns a gin binding failure into a validation error with
// per-field messages.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.CodeValidation, err, "malformed request")
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return errs.Validation(fields)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "cmphone":
		return "must be a valid Cameroon mobile number"
	case "payment_method":
		return "is not a supported payment method"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "is invalid"
}
