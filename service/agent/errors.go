package agent

import "errors"

var (
	// ErrIterationLimit Agent 循环超过迭代上限仍未产出最终答案
	ErrIterationLimit = errors.New("agent iteration limit exceeded")

	ErrNoChoices  = errors.New("model returned no choices")
	ErrNoToolCall = errors.New("model did not produce the required tool call")

	ErrUnsupportedModel = errors.New("requested model is not supported")
)
