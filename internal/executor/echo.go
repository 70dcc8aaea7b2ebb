package executor

import "context"

// EchoExecutor returns its params as the result. Useful for wiring tests
// and for branch decisions driven by static data.
type EchoExecutor struct{}

// NewEchoExecutor returns an echo executor.
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{}
}

func (e *EchoExecutor) Execute(_ context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(params))
	for k, v := range params {
		result[k] = v
	}
	return result, nil
}
