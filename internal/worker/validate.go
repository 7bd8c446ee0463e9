package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"deplay/pkg/api"
)

// ErrInvalidRequest is returned for submissions rejected before a run is created.
var ErrInvalidRequest = errors.New("invalid request")

// Validator checks submissions against the accepted repository hosts.
type Validator struct {
	validate     *validator.Validate
	allowedHosts map[string]struct{}
}

// NewValidator accepts repositories hosted on any of hosts.
func NewValidator(hosts []string) *Validator {
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Validator{validate: validator.New(), allowedHosts: allowed}
}

// Validate returns the normalized repository URL and environment hint of req.
func (v *Validator) Validate(req api.RunRequest) (source, hint string, err error) {
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", "", fmt.Errorf("%w: repoUrl must be a valid URL (%s)", ErrInvalidRequest, verrs[0].Tag())
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	u, err := url.Parse(req.RepoURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: only https repository URLs are supported", ErrInvalidRequest)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", fmt.Errorf("%w: repository URL must not carry credentials, query or fragment", ErrInvalidRequest)
	}
	if _, ok := v.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
		return "", "", fmt.Errorf("%w: host %q is not supported", ErrInvalidRequest, u.Hostname())
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || !validSegment(parts[0]) || !validSegment(strings.TrimSuffix(parts[1], ".git")) {
		return "", "", fmt.Errorf("%w: repository URL must look like https://%s/<owner>/<repo>", ErrInvalidRequest, u.Hostname())
	}

	// An unknown hint is not rejected here: the run is created and fails
	// in preparation as unsupported_environment.
	hint = strings.TrimSpace(req.Language)

	source = fmt.Sprintf("https://%s/%s/%s", strings.ToLower(u.Host), parts[0], parts[1])
	return source, hint, nil
}

// validSegment accepts owner and repository names. A leading dash would be
// parsed as an option by git.
func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." || strings.HasPrefix(s, "-") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
