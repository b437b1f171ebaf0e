package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := Mode(fl.Field().String()).Perm()
		return err == nil
	})
	return v
}

// describeValidation flattens validator errors into one readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "filemode":
			msgs = append(msgs, fmt.Sprintf("%s: %q is not an octal file mode", fe.Namespace(), fmt.Sprint(fe.Value())))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: must not be empty", fe.Namespace()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
