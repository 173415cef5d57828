package tool

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Argument bundles arrive as decoded JSON, so numbers are float64 and the
// planner occasionally stringifies them. These helpers normalize both.

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("argument %q is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("argument %q is empty", key)
	}
	return s, nil
}

func argInt64(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("argument %q is required", key)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("argument %q must be an integer", key)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer: %v", key, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("argument %q has unsupported type %T", key, v)
	}
}

func argFloat(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("argument %q is required", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be a number: %v", key, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("argument %q has unsupported type %T", key, v)
	}
}
