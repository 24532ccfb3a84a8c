package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// kindPattern is the mux pattern for the record kinds clients may use.
const kindPattern = "posts|users|comments"

// ValidationError reports a create request that failed field checks.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

type createPost struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

type createUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type createComment struct {
	PostID  string `json:"post_id"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

// validate checks a create request body for kind and returns the payload to
// store: the known fields only, re-encoded.
func validate(kind string, body []byte) (json.RawMessage, error) {
	var (
		v   any
		err error
	)
	switch kind {
	case "posts":
		var p createPost
		if err = json.Unmarshal(body, &p); err == nil {
			err = firstError(required("content", p.Content), required("author", p.Author))
		}
		v = p
	case "users":
		var u createUser
		if err = json.Unmarshal(body, &u); err == nil {
			err = required("username", u.Username)
			if err == nil && !strings.Contains(u.Email, "@") {
				err = &ValidationError{Field: "email", Reason: "must contain @"}
			}
		}
		v = u
	case "comments":
		var c createComment
		if err = json.Unmarshal(body, &c); err == nil {
			err = firstError(required("post_id", c.PostID), required("author", c.Author), required("content", c.Content))
		}
		v = c
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not supported", kind)}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
