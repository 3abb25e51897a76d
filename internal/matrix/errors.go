package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

var (
	ErrNoHomeserver    = errors.New("matrix: homeserver url is required")
	ErrNoUser          = errors.New("matrix: user id is required")
	ErrDeviceNotFound  = errors.New("matrix: own device not found in key query")
	ErrUnsupportedAuth = errors.New("matrix: homeserver offers no password auth flow")
	ErrNoBackupVersion = errors.New("matrix: homeserver returned no backup version")
)

// MatrixError is a standard client-server API error response.
type MatrixError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *MatrixError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matrix: http %d", e.StatusCode)
	}
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsMatrixError reports whether err is a *MatrixError with the given
// errcode.
func IsMatrixError(err error, code string) bool {
	var mErr *MatrixError
	return errors.As(err, &mErr) && mErr.Code == code
}

type UIAFlow struct {
	Stages []string `json:"stages"`
}

// UIAError is a 401 asking for user-interactive auth.
type UIAError struct {
	Session   string         `json:"session"`
	Flows     []UIAFlow      `json:"flows"`
	Completed []string       `json:"completed"`
	Params    map[string]any `json:"params"`
	Code      string         `json:"errcode"`
	Message   string         `json:"error"`
}

func (e *UIAError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("matrix: user-interactive auth required (%s): %s", e.Code, e.Message)
	}
	return "matrix: user-interactive auth required"
}

// HasSingleStageFlow reports whether stage alone completes one of the flows.
func (e *UIAError) HasSingleStageFlow(stage string) bool {
	for _, flow := range e.Flows {
		remaining := slices.DeleteFunc(slices.Clone(flow.Stages), func(s string) bool {
			return slices.Contains(e.Completed, s)
		})
		if len(remaining) == 1 && remaining[0] == stage {
			return true
		}
	}
	return false
}

func parseError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		var uia UIAError
		if err := json.Unmarshal(body, &uia); err == nil && (uia.Session != "" || len(uia.Flows) > 0) {
			return &uia
		}
	}
	mErr := &MatrixError{StatusCode: status}
	if err := json.Unmarshal(body, mErr); err != nil || mErr.Code == "" {
		mErr.Code = ""
		mErr.Message = string(body)
	}
	return mErr
}
