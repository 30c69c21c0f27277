// Package security provides the input validation, rate limiting, and
// security-event monitoring used at the task admission boundary. Tasks that
// arrive unsigned, or fields that feed into browser automation, pass through
// the validator before any handler sees them.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/MangaiYashobeam/FMD/api/schemas"
)

// dangerousPatterns flags injection primitives in free-form string fields.
// They are matched against every string leaf of a task payload.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`(?i);\s*exec`),
	regexp.MustCompile(`(?i);\s*drop`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`(?i)'\s*or\s+'`),
}

var (
	accountIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	taskIDPattern    = regexp.MustCompile(`^task_[a-f0-9]{8,32}$`)
	emailPattern     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	urlPattern       = regexp.MustCompile(`^https?://[^\s<>"{}|\\^` + "`" + `\[\]]+$`)
)

// Validator performs stateless format and content checks on task fields.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ContainsDangerousContent reports whether the value matches any injection
// pattern.
func (v *Validator) ContainsDangerousContent(value string) bool {
	for _, p := range dangerousPatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

func (v *Validator) ValidateAccountID(accountID string) bool {
	if accountID == "" || v.ContainsDangerousContent(accountID) {
		return false
	}
	return accountIDPattern.MatchString(accountID)
}

func (v *Validator) ValidateTaskID(taskID string) bool {
	return taskIDPattern.MatchString(taskID)
}

func (v *Validator) ValidateEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	return emailPattern.MatchString(email)
}

func (v *Validator) ValidateURL(url string) bool {
	if url == "" || len(url) > 2048 || v.ContainsDangerousContent(url) {
		return false
	}
	return urlPattern.MatchString(url)
}

// SanitizeString truncates to maxLength, strips null bytes, and drops control
// characters other than newlines, tabs, and carriage returns.
func (v *Validator) SanitizeString(value string, maxLength int) string {
	if maxLength > 0 && len(value) > maxLength {
		value = value[:maxLength]
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == 0 {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateTask checks an unsigned task: type membership, account ID format,
// and dangerous content in every string leaf of the payload. It is the
// admission path for deployments that run without signature enforcement.
func (v *Validator) ValidateTask(task *schemas.Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if !schemas.ValidTaskTypes[task.Type] {
		return fmt.Errorf("invalid task type: %s", task.Type)
	}
	if !v.ValidateAccountID(task.AccountID) {
		return fmt.Errorf("invalid account_id format")
	}
	if err := v.checkValue(task.Data, "data"); err != nil {
		return err
	}
	return nil
}

// checkValue walks nested maps and slices, rejecting any string leaf that
// matches a dangerous pattern.
func (v *Validator) checkValue(val any, path string) error {
	switch typed := val.(type) {
	case string:
		if v.ContainsDangerousContent(typed) {
			return fmt.Errorf("dangerous content detected at %s", path)
		}
	case map[string]any:
		for k, inner := range typed {
			if err := v.checkValue(inner, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, inner := range typed {
			if err := v.checkValue(inner, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
