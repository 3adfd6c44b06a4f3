package event

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent is returned when a fetched event does not match the schema.
var ErrInvalidEvent = errors.New("invalid event")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks every event of a page against the schema. The first
// offending event is reported with its position and the failing fields.
func Validate(events []Event) error {
	v := validatorInstance()
	for i := range events {
		if err := v.Struct(&events[i]); err != nil {
			return fmt.Errorf("%w: index %d (id %q): %s", ErrInvalidEvent, i, events[i].ID, describe(err))
		}
		if events[i].Timestamp.IsZero() {
			return fmt.Errorf("%w: index %d (id %q): timestamp missing", ErrInvalidEvent, i, events[i].ID)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
