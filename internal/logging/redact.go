package logging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

const redactedValue = "[REDACTED]"

var (
	sensitiveKeyParts = []string{"secret", "token", "password", "authorization", "descriptor", "connection_string"}
	secretParam       = regexp.MustCompile(`(?i)(secret=)[^&\s"']+`)
)

// RedactingFormatter masks sensitive fields and NWC secrets embedded in
// messages before handing the entry to Next.
type RedactingFormatter struct {
	Next logrus.Formatter
}

func (f *RedactingFormatter) Format(e *logrus.Entry) ([]byte, error) {
	out := *e
	out.Message = RedactString(e.Message)
	out.Data = make(logrus.Fields, len(e.Data))
	for k, v := range e.Data {
		out.Data[k] = redactField(k, v)
	}
	return f.Next.Format(&out)
}

// RedactString replaces the value of any secret= query parameter in s.
func RedactString(s string) string {
	if !strings.Contains(strings.ToLower(s), "secret=") {
		return s
	}
	return secretParam.ReplaceAllString(s, "${1}"+redactedValue)
}

func redactField(key string, v any) any {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redactedValue
		}
	}
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case error:
		return RedactString(val.Error())
	case fmt.Stringer:
		return RedactString(val.String())
	}
	return v
}
