package realtime

func getString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getBytes(payload map[string]any, key string) ([]byte, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		// Some msgpack decoders surface a bin value as a string when the
		// target is interface{}; accept both representations.
		return []byte(b), true
	default:
		return nil, false
	}
}

func getInt(payload map[string]any, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func getInt64(payload map[string]any, key string) (int64, bool) {
	n, ok := getInt(payload, key)
	return int64(n), ok
}

func getStringOr(payload map[string]any, key, fallback string) string {
	if v, ok := getString(payload, key); ok && v != "" {
		return v
	}
	return fallback
}
