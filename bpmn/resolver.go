// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bpmn

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrCorrelationKey is returned when a correlation key cannot be resolved.
var ErrCorrelationKey = errors.New("failed to extract the correlation key")

// CorrelationKeyResolver turns a correlation key expression into the key
// used for message matching.
type CorrelationKeyResolver interface {
	Resolve(expression string, variables map[string]any) (string, error)
}

// VariableResolver resolves an expression by looking up the variable it
// names. Strings are used as is and numbers are formatted without exponent.
type VariableResolver struct{}

// Resolve implements CorrelationKeyResolver.
func (VariableResolver) Resolve(expression string, variables map[string]any) (string, error) {
	v, ok := variables[expression]
	if !ok || v == nil {
		return "", fmt.Errorf("%w for '%s': no variable found with name '%s'", ErrCorrelationKey, expression, expression)
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	default:
		return "", fmt.Errorf("%w for '%s': the value must be either a string or a number, but was %T", ErrCorrelationKey, expression, v)
	}
}
