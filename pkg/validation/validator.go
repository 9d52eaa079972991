package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate = validator.New()

// Endpoint is a host/port pair supplied by REPLICAOF or REPLCONF.
type Endpoint struct {
	Host string `validate:"required,max=255,hostname_rfc1123|ip"`
	Port int    `validate:"min=1,max=65535"`
}

// ParseEndpoint parses and validates a host and a textual port.
func ParseEndpoint(host, port string) (Endpoint, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("Port: %q is not an integer", port)
	}
	ep := Endpoint{Host: host, Port: p}
	if err := Struct(&ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// ParseHostPort parses and validates a "host:port" address.
func ParseHostPort(addr string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("address %q: %w", addr, err)
	}
	return ParseEndpoint(host, port)
}

// ValidatePort validates a listening port announced by a replica. Zero
// is accepted and means "unknown".
func ValidatePort(port int) error {
	if err := validate.Var(port, "min=0,max=65535"); err != nil {
		return fmt.Errorf("port %d: must be between 0 and 65535", port)
	}
	return nil
}

// ValidateIP validates an address announced by a replica.
func ValidateIP(addr string) error {
	if err := validate.Var(addr, "required,ip|hostname_rfc1123"); err != nil {
		return fmt.Errorf("address %q is not a valid IP or hostname", addr)
	}
	return nil
}

// Struct validates v against its struct tags and returns the first failure
// in a readable form.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
