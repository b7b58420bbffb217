// Package graphql holds the request and response envelopes shared by the
// subscription and mutation clients.
package graphql

import (
	"encoding/json"
	"strings"
)

// Request is the body of a GraphQL operation, over HTTP or inside a
// subscribe message.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL execution result.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []ErrorEntry    `json:"errors,omitempty"`
}

// ErrorEntry is one element of a GraphQL errors array.
type ErrorEntry struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// HasData reports whether the response carries a non-null data member.
func (r Response) HasData() bool {
	trimmed := strings.TrimSpace(string(r.Data))
	return trimmed != "" && trimmed != "null"
}

// JoinMessages renders the messages of errs separated by "; ".
func JoinMessages(errs []ErrorEntry) string {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}
	return strings.Join(messages, "; ")
}
