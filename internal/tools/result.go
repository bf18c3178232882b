package tools

import (
	"encoding/json"
	"fmt"
)

type ResultKind string

const (
	KindData   ResultKind = "data"
	KindAction ResultKind = "action"
	KindStatus ResultKind = "status"
	KindError  ResultKind = "error"
)

const (
	ActionLogin  = "login"
	ActionLogout = "logout"
)

// Result is the tagged outcome of a tool invocation. The loop special-cases
// KindAction; every other kind is serialized verbatim into a tool_result block.
type Result struct {
	Kind     ResultKind
	Payload  any
	Code     string
	Provider string
	Message  string
	Tool     string
}

func DataResult(payload any) Result {
	return Result{Kind: KindData, Payload: payload}
}

func ActionResult(code, provider, message string) Result {
	return Result{Kind: KindAction, Code: code, Provider: provider, Message: message}
}

func StatusResult(code, message string) Result {
	return Result{Kind: KindStatus, Code: code, Message: message}
}

func ErrorResult(code, message string) Result {
	return Result{Kind: KindError, Code: code, Message: message}
}

// Text serializes the result for feeding back to the model: string data passes
// through, structured values JSON-encode, anything unencodable falls back to
// its printed form.
func (r Result) Text() string {
	if r.Kind == KindData {
		if s, ok := r.Payload.(string); ok {
			return s
		}
		encoded, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Sprintf("%v", r.Payload)
		}
		return string(encoded)
	}

	body := map[string]any{
		"type":    string(r.Kind),
		"code":    r.Code,
		"message": r.Message,
	}
	if r.Provider != "" {
		body["provider"] = r.Provider
	}
	if r.Tool != "" {
		body["tool"] = r.Tool
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(encoded)
}
